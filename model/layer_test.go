package model

import (
	"strings"
	"testing"
	"time"
)

func TestNewLayer_Defaults(t *testing.T) {
	layer, err := NewLayer(LayerSpec{Prompt: "a dreamy synth melody, 120 BPM", Volume: 1})
	if err != nil {
		t.Fatalf("NewLayer returned error: %v", err)
	}

	if layer.ID == "" {
		t.Error("expected a generated id")
	}
	if layer.Duration != DefaultLayerDuration {
		t.Errorf("Duration = %s, want %s", layer.Duration, DefaultLayerDuration)
	}
	if layer.Instrument != InstrumentAll {
		t.Errorf("Instrument = %q, want %q", layer.Instrument, InstrumentAll)
	}
	if layer.Name != "A dreamy synth melody" {
		t.Errorf("Name = %q", layer.Name)
	}
	if layer.IsPlaying || layer.Position != 0 {
		t.Error("new layers start stopped at position 0")
	}
	if layer.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestNewLayer_Validation(t *testing.T) {
	if _, err := NewLayer(LayerSpec{Prompt: "x", Duration: -time.Second}); err == nil {
		t.Error("negative duration should be rejected")
	}
	if _, err := NewLayer(LayerSpec{Prompt: "x", Instrument: "Kazoo"}); err == nil {
		t.Error("unknown instrument should be rejected")
	}

	tests := []struct {
		name   string
		volume float64
		want   float64
	}{
		{"below zero", -0.5, 0},
		{"in range", 0.4, 0.4},
		{"above one", 1.7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer, err := NewLayer(LayerSpec{Prompt: "x", Volume: tt.volume})
			if err != nil {
				t.Fatalf("NewLayer: %v", err)
			}
			if layer.Volume != tt.want {
				t.Errorf("Volume = %f, want %f", layer.Volume, tt.want)
			}
		})
	}
}

func TestNewLayer_UniqueIDs(t *testing.T) {
	seen := make(map[LayerID]bool)
	for i := 0; i < 100; i++ {
		layer, err := NewLayer(LayerSpec{Prompt: "loop"})
		if err != nil {
			t.Fatal(err)
		}
		if seen[layer.ID] {
			t.Fatalf("duplicate id %s", layer.ID)
		}
		seen[layer.ID] = true
	}
}

func TestWaveform(t *testing.T) {
	layer, err := NewLayer(LayerSpec{Prompt: "pads"})
	if err != nil {
		t.Fatal(err)
	}
	if len(layer.Waveform) != WaveformSamples {
		t.Fatalf("waveform length = %d, want %d", len(layer.Waveform), WaveformSamples)
	}
	for i, v := range layer.Waveform {
		if v < 0 || v > 1 {
			t.Errorf("sample %d = %f outside [0,1]", i, v)
		}
	}

	clone := layer.Clone()
	clone.Waveform[0] = 42
	if layer.Waveform[0] == 42 {
		t.Error("Clone should not share the waveform slice")
	}
}

func TestNameFromPrompt(t *testing.T) {
	tests := []struct {
		prompt string
		want   string
	}{
		{"a dreamy synth melody, 120 BPM", "A dreamy synth melody"},
		{"lofi drums. dusty", "Lofi drums"},
		{"   ", "Untitled Layer"},
		{"", "Untitled Layer"},
		{"an extremely long prompt that keeps going without punctuation", "An extremely long prompt that"},
	}
	for _, tt := range tests {
		t.Run(tt.prompt, func(t *testing.T) {
			if got := NameFromPrompt(tt.prompt); got != tt.want {
				t.Errorf("NameFromPrompt(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestParseBPM(t *testing.T) {
	tests := []struct {
		prompt string
		want   int
	}{
		{"a dreamy synth melody, 120 BPM", 120},
		{"house groove 124bpm", 124},
		{"ambient pads", 0},
		{"trap at 90 Bpm", 90},
	}
	for _, tt := range tests {
		if got := ParseBPM(tt.prompt); got != tt.want {
			t.Errorf("ParseBPM(%q) = %d, want %d", tt.prompt, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{30 * time.Second, "0:30"},
		{90*time.Second + 900*time.Millisecond, "1:30"},
		{-time.Second, "0:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestProgress(t *testing.T) {
	layer := Layer{Duration: 30 * time.Second, Position: 15 * time.Second}
	if got := layer.Progress(); got != 0.5 {
		t.Errorf("Progress() = %f, want 0.5", got)
	}
	if got := (Layer{}).Progress(); got != 0 {
		t.Errorf("Progress() on zero duration = %f, want 0", got)
	}
}

func TestParseInstrument(t *testing.T) {
	for _, inst := range Instruments() {
		got, err := ParseInstrument(strings.ToLower(string(inst)))
		if err != nil || got != inst {
			t.Errorf("ParseInstrument(%q) = %q, %v", inst, got, err)
		}
	}
	if got, _ := ParseInstrument(""); got != InstrumentAll {
		t.Errorf("empty instrument should map to All, got %q", got)
	}
	if _, err := ParseInstrument("theremin"); err == nil {
		t.Error("unknown instrument should fail")
	}
	if InstrumentAll.StemKey() != "" {
		t.Error("full mix has no stem key")
	}
	if InstrumentBass.StemKey() != "bass" {
		t.Errorf("Bass stem key = %q", InstrumentBass.StemKey())
	}
}

func TestLayerRecordRoundTrip(t *testing.T) {
	layer, err := NewLayer(LayerSpec{
		Prompt:     "warm bass, 100 BPM",
		Volume:     1,
		Instrument: InstrumentBass,
		BPM:        100,
		Key:        "Am",
		CreatorID:  "user-1",
		IsPublic:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := RecordFromLayer(layer, "https://cdn.example/layers/x.wav")
	back, err := rec.ToLayer()
	if err != nil {
		t.Fatalf("ToLayer: %v", err)
	}

	if back.ID != layer.ID || back.Name != layer.Name || back.Prompt != layer.Prompt ||
		back.BPM != layer.BPM || back.Instrument != layer.Instrument || back.IsPublic != layer.IsPublic {
		t.Errorf("round trip mismatch: got %+v, want %+v", back, layer)
	}
	if back.AudioReference != "https://cdn.example/layers/x.wav" {
		t.Errorf("AudioReference = %q", back.AudioReference)
	}
	if back.Duration != layer.Duration {
		t.Errorf("Duration = %s, want %s", back.Duration, layer.Duration)
	}
}
