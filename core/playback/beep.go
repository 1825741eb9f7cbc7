package playback

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"Strata/core/utils"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
	"github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
	"go.uber.org/zap"
)

// OutputSampleRate is the rate the shared speaker runs at. Sources with a
// different rate are resampled.
const OutputSampleRate beep.SampleRate = 44100

// SupportedFormats returns list of supported audio formats
func SupportedFormats() []string {
	return []string{".wav", ".mp3", ".flac"}
}

// BeepFactory decodes layer assets and mixes them into a single speaker
// output. All players created by one factory play simultaneously.
type BeepFactory struct {
	httpClient *http.Client
	log        *zap.Logger

	initOnce sync.Once
	initErr  error
	mixer    *beep.Mixer
}

// NewBeepFactory creates a factory. The audio device is opened lazily on the
// first Open.
func NewBeepFactory(log *zap.Logger) *BeepFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &BeepFactory{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
		mixer:      &beep.Mixer{},
	}
}

func (f *BeepFactory) initSpeaker() error {
	f.initOnce.Do(func() {
		if err := speaker.Init(OutputSampleRate, OutputSampleRate.N(time.Second/10)); err != nil {
			f.initErr = fmt.Errorf("speaker init: %w", err)
			return
		}
		speaker.Play(f.mixer)
	})
	return f.initErr
}

// Open loads src.Reference, which is either a local file or a remote URL,
// and returns a paused player mixed into the speaker output.
func (f *BeepFactory) Open(ctx context.Context, src Source) (Player, error) {
	if err := f.initSpeaker(); err != nil {
		return nil, err
	}

	data, err := f.fetch(ctx, src.Reference)
	if err != nil {
		return nil, err
	}

	streamer, format, err := decode(data, src.Reference)
	if err != nil {
		return nil, err
	}

	p := &beepPlayer{streamer: streamer, format: format}
	p.ctrl = &beep.Ctrl{Streamer: streamer, Paused: true}
	p.volume = &effects.Volume{Streamer: p.ctrl, Base: 2}
	var out beep.Streamer = p.volume
	if format.SampleRate != OutputSampleRate {
		out = beep.Resample(4, format.SampleRate, OutputSampleRate, out)
	}
	p.sustain = &sustain{Streamer: out}

	speaker.Lock()
	f.mixer.Add(p.sustain)
	speaker.Unlock()

	f.log.Debug("player opened",
		zap.String("layer", src.LayerID.String()),
		zap.Int("sample_rate", int(format.SampleRate)),
		zap.Duration("duration", p.Duration()))
	return p, nil
}

func (f *BeepFactory) fetch(ctx context.Context, ref string) ([]byte, error) {
	if isRemote(ref) {
		return utils.DownloadBytes(ctx, f.httpClient, ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// formatOf returns the lowercase extension of a path or URL, defaulting to wav.
func formatOf(ref string) string {
	p := ref
	if isRemote(ref) {
		if u, err := url.Parse(ref); err == nil {
			p = u.Path
		}
	}
	ext := strings.ToLower(filepath.Ext(p))
	for _, f := range SupportedFormats() {
		if ext == f {
			return ext
		}
	}
	return ".wav"
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func decode(data []byte, ref string) (beep.StreamSeekCloser, beep.Format, error) {
	r := memFile{bytes.NewReader(data)}
	switch formatOf(ref) {
	case ".mp3":
		return mp3.Decode(r)
	case ".flac":
		return flac.Decode(r)
	default:
		return wav.Decode(r)
	}
}

// sustain keeps a finished stream in the mixer by padding it with silence
// until it is closed.
type sustain struct {
	beep.Streamer
	closed bool
}

func (s *sustain) Stream(samples [][2]float64) (int, bool) {
	if s.closed {
		return 0, false
	}
	n, _ := s.Streamer.Stream(samples)
	for i := n; i < len(samples); i++ {
		samples[i] = [2]float64{}
	}
	return len(samples), true
}

func (s *sustain) Err() error { return nil }

type beepPlayer struct {
	streamer beep.StreamSeekCloser
	format   beep.Format
	ctrl     *beep.Ctrl
	volume   *effects.Volume
	sustain  *sustain
}

func (p *beepPlayer) Play() error {
	speaker.Lock()
	p.ctrl.Paused = false
	speaker.Unlock()
	return nil
}

func (p *beepPlayer) Pause() error {
	speaker.Lock()
	p.ctrl.Paused = true
	speaker.Unlock()
	return nil
}

func (p *beepPlayer) Seek(pos time.Duration) error {
	n := p.format.SampleRate.N(pos)
	if n < 0 {
		n = 0
	}
	if l := p.streamer.Len(); n > l {
		n = l
	}
	speaker.Lock()
	defer speaker.Unlock()
	return p.streamer.Seek(n)
}

func (p *beepPlayer) Position() time.Duration {
	speaker.Lock()
	defer speaker.Unlock()
	return p.format.SampleRate.D(p.streamer.Position())
}

func (p *beepPlayer) Duration() time.Duration {
	return p.format.SampleRate.D(p.streamer.Len())
}

// SetGain maps a linear gain onto the base-2 volume effect.
func (p *beepPlayer) SetGain(gain float64) {
	speaker.Lock()
	defer speaker.Unlock()
	if gain <= 0 {
		p.volume.Silent = true
		return
	}
	p.volume.Silent = false
	p.volume.Volume = math.Log2(gain)
}

func (p *beepPlayer) Close() error {
	speaker.Lock()
	p.ctrl.Paused = true
	p.sustain.closed = true
	speaker.Unlock()
	return p.streamer.Close()
}
