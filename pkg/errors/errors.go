package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the generation and playback paths
var (
	ErrAuth                 = errors.New("composition api key missing or rejected")
	ErrNetwork              = errors.New("network request failed")
	ErrTimeout              = errors.New("generation timed out")
	ErrAssetResolution      = errors.New("no asset url for requested instrument")
	ErrDownload             = errors.New("asset download failed")
	ErrPlayback             = errors.New("player could not be constructed")
	ErrGenerationFailed     = errors.New("composition failed")
	ErrGenerationInProgress = errors.New("identical generation already in progress")
	ErrEmptyPrompt          = errors.New("prompt is empty")
	ErrLayerNotFound        = errors.New("layer not found")
	ErrInvalidVolume        = errors.New("volume must be between 0.0 and 1.0")
	ErrEngineClosed         = errors.New("playback engine closed")
	ErrLayerStopped         = errors.New("layer stopped before it could play")
)

// LayerError wraps errors with the operation and layer they belong to
type LayerError struct {
	Op    string // Operation that failed
	Layer string // Layer or job ID if applicable
	Err   error  // Underlying error
}

func (e *LayerError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Layer, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *LayerError) Unwrap() error {
	return e.Err
}

// NewLayerError creates a new LayerError
func NewLayerError(op, layer string, err error) *LayerError {
	return &LayerError{Op: op, Layer: layer, Err: err}
}

// Wrap attaches a taxonomy sentinel to a lower level cause so that both
// errors.Is(err, kind) and errors.Is(err, cause) hold.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
