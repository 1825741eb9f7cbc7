package model

import (
	"fmt"
	"strings"
)

// Instrument selects which rendered stem of a composition a layer uses.
type Instrument string

const (
	InstrumentAll        Instrument = "All"
	InstrumentPercussion Instrument = "Percussion"
	InstrumentBass       Instrument = "Bass"
	InstrumentMelody     Instrument = "Melody"
	InstrumentChords     Instrument = "Chords"
)

// Instruments lists every instrument in display order.
func Instruments() []Instrument {
	return []Instrument{InstrumentAll, InstrumentPercussion, InstrumentBass, InstrumentMelody, InstrumentChords}
}

// ParseInstrument resolves a case-insensitive instrument name. An empty name
// selects the full mix.
func ParseInstrument(s string) (Instrument, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return InstrumentAll, nil
	}
	for _, inst := range Instruments() {
		if strings.EqualFold(s, string(inst)) {
			return inst, nil
		}
	}
	return "", fmt.Errorf("unknown instrument %q", s)
}

// Valid reports whether i is one of the known instruments.
func (i Instrument) Valid() bool {
	for _, inst := range Instruments() {
		if i == inst {
			return true
		}
	}
	return false
}

// StemKey is the key of this instrument in the composition API's stem table.
// The full mix has no stem key.
func (i Instrument) StemKey() string {
	switch i {
	case InstrumentPercussion:
		return "percussion"
	case InstrumentBass:
		return "bass"
	case InstrumentMelody:
		return "melody"
	case InstrumentChords:
		return "chords"
	default:
		return ""
	}
}

// Icon names the display icon for the instrument.
func (i Instrument) Icon() string {
	switch i {
	case InstrumentPercussion:
		return "drum"
	case InstrumentBass:
		return "guitars"
	case InstrumentMelody:
		return "music.note"
	case InstrumentChords:
		return "pianokeys"
	default:
		return "waveform"
	}
}
