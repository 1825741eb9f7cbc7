package compose

import (
	"fmt"
	"strings"

	"Strata/model"
	layererrors "Strata/pkg/errors"
)

// State is the coarse lifecycle of a composition task.
type State int

const (
	StatePending State = iota
	StateComposed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateComposed:
		return "composed"
	case StateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Status is one poll result.
type Status struct {
	State  State
	Raw    string // status string as reported by the API
	Assets Assets
}

// Assets are the download locations of a composed task.
type Assets struct {
	TrackURL string
	Stems    map[string]string
}

// Resolve picks the URL for instrument: the full mix for All, otherwise the
// matching stem. A missing entry is ErrAssetResolution.
func (a Assets) Resolve(instrument model.Instrument) (string, error) {
	if instrument == "" || instrument == model.InstrumentAll {
		if a.TrackURL == "" {
			return "", fmt.Errorf("%w: track_url missing", layererrors.ErrAssetResolution)
		}
		return a.TrackURL, nil
	}
	key := instrument.StemKey()
	if u := a.Stems[key]; u != "" {
		return u, nil
	}
	return "", fmt.Errorf("%w: stems_url has no %q", layererrors.ErrAssetResolution, key)
}

type composeRequest struct {
	Prompt struct {
		Text string `json:"text"`
	} `json:"prompt"`
	Format  string `json:"format"`
	Looping bool   `json:"looping"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status,omitempty"`
}

type taskResponse struct {
	Status string `json:"status"`
	Meta   struct {
		TrackURL string            `json:"track_url"`
		StemsURL map[string]string `json:"stems_url"`
	} `json:"meta"`
}

func (r taskResponse) status() Status {
	s := Status{Raw: r.Status}
	switch strings.ToLower(r.Status) {
	case "composed":
		s.State = StateComposed
		s.Assets = Assets{TrackURL: r.Meta.TrackURL, Stems: r.Meta.StemsURL}
	case "failed", "error":
		s.State = StateFailed
	default:
		s.State = StatePending
	}
	return s
}
