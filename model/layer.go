package model

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultLayerDuration is the nominal clip length until the real duration is known.
	DefaultLayerDuration = 30 * time.Second
	// WaveformSamples is the fixed length of a layer's synthetic waveform.
	WaveformSamples = 50

	maxNameRunes = 30
	untitledName = "Untitled Layer"
)

// LayerID identifies a layer for its whole lifetime.
type LayerID string

// NewLayerID generates a fresh layer identifier.
func NewLayerID() LayerID {
	return LayerID(uuid.NewString())
}

func (id LayerID) String() string {
	return string(id)
}

// Layer is one generated audio clip together with its mix and playback state.
type Layer struct {
	ID             LayerID       `json:"id"`
	Name           string        `json:"name"`
	Prompt         string        `json:"prompt"`
	Duration       time.Duration `json:"duration"`
	Position       time.Duration `json:"position"`
	IsPlaying      bool          `json:"isPlaying"`
	Volume         float64       `json:"volume"`
	IsMuted        bool          `json:"isMuted"`
	IsSolo         bool          `json:"isSolo"`
	IsLooping      bool          `json:"isLooping"`
	Instrument     Instrument    `json:"instrument"`
	BPM            int           `json:"bpm,omitempty"`
	Key            string        `json:"key,omitempty"`
	AudioReference string        `json:"audioReference,omitempty"` // local path or remote URL, empty while no asset exists
	SourceURL      string        `json:"sourceUrl,omitempty"`      // remote URL the asset was generated at
	Waveform       []float64     `json:"waveform"`
	CreatorID      string        `json:"creatorId"`
	CreatorName    string        `json:"creatorName,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsPublic       bool          `json:"isPublic"`
	UseCount       int           `json:"useCount"`
}

// LayerSpec carries the construction inputs of a layer.
type LayerSpec struct {
	ID             LayerID // optional, generated when empty
	Prompt         string
	Name           string        // optional, derived from Prompt when empty
	Duration       time.Duration // zero selects DefaultLayerDuration
	Volume         float64       // clamped to [0,1]; zero is silent, callers normally pass 1
	Instrument     Instrument
	BPM            int
	Key            string
	AudioReference string
	SourceURL      string
	CreatorID      string
	CreatorName    string
	CreatedAt      time.Time
	IsPublic       bool
	UseCount       int
}

// NewLayer builds a layer from spec, validating the duration, clamping the
// volume and generating the synthetic waveform once.
func NewLayer(spec LayerSpec) (Layer, error) {
	if spec.Duration < 0 {
		return Layer{}, fmt.Errorf("layer duration must not be negative: %s", spec.Duration)
	}
	instrument := spec.Instrument
	if instrument == "" {
		instrument = InstrumentAll
	}
	if !instrument.Valid() {
		return Layer{}, fmt.Errorf("unknown instrument %q", instrument)
	}

	id := spec.ID
	if id == "" {
		id = NewLayerID()
	}
	duration := spec.Duration
	if duration == 0 {
		duration = DefaultLayerDuration
	}
	name := spec.Name
	if name == "" {
		name = NameFromPrompt(spec.Prompt)
	}
	createdAt := spec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return Layer{
		ID:             id,
		Name:           name,
		Prompt:         spec.Prompt,
		Duration:       duration,
		Volume:         ClampVolume(spec.Volume),
		Instrument:     instrument,
		BPM:            spec.BPM,
		Key:            spec.Key,
		AudioReference: spec.AudioReference,
		SourceURL:      spec.SourceURL,
		Waveform:       GenerateWaveform(WaveformSamples),
		CreatorID:      spec.CreatorID,
		CreatorName:    spec.CreatorName,
		CreatedAt:      createdAt,
		IsPublic:       spec.IsPublic,
		UseCount:       spec.UseCount,
	}, nil
}

// Clone returns a copy that shares no mutable memory with l.
func (l Layer) Clone() Layer {
	c := l
	if l.Waveform != nil {
		c.Waveform = make([]float64, len(l.Waveform))
		copy(c.Waveform, l.Waveform)
	}
	return c
}

// HasAudio reports whether a real asset is attached to the layer.
func (l Layer) HasAudio() bool {
	return l.AudioReference != ""
}

// Progress returns the playback cursor as a fraction of the duration.
func (l Layer) Progress() float64 {
	if l.Duration <= 0 {
		return 0
	}
	p := float64(l.Position) / float64(l.Duration)
	if p > 1 {
		return 1
	}
	return p
}

// FormattedDuration renders the duration as m:ss.
func (l Layer) FormattedDuration() string {
	return FormatDuration(l.Duration)
}

// FormattedPosition renders the cursor as m:ss.
func (l Layer) FormattedPosition() string {
	return FormatDuration(l.Position)
}

// FormatDuration renders d as m:ss, truncating sub-second precision.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// ClampVolume limits v to [0,1].
func ClampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// NameFromPrompt derives a short label from the first clause of a prompt.
func NameFromPrompt(prompt string) string {
	clause := prompt
	if i := strings.IndexAny(prompt, ",.;\n"); i >= 0 {
		clause = prompt[:i]
	}
	clause = strings.Join(strings.Fields(clause), " ")
	if clause == "" {
		return untitledName
	}
	if utf8.RuneCountInString(clause) > maxNameRunes {
		runes := []rune(clause)
		clause = strings.TrimSpace(string(runes[:maxNameRunes]))
	}
	// capitalise the first letter only; the rest of the prompt keeps its casing
	r, size := utf8.DecodeRuneInString(clause)
	return strings.ToUpper(string(r)) + clause[size:]
}

var bpmPattern = regexp.MustCompile(`(?i)(\d{2,3})\s*bpm`)

// ParseBPM extracts a "120 BPM" style tempo from prompt text, returning 0 when
// none is present.
func ParseBPM(prompt string) int {
	m := bpmPattern.FindStringSubmatch(prompt)
	if m == nil {
		return 0
	}
	bpm, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return bpm
}

// GenerateWaveform synthesises n display samples in [0,1]. The samples are not
// derived from decoded audio.
func GenerateWaveform(n int) []float64 {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.2 + rand.Float64()*0.8
	}
	return samples
}
