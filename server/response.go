package server

import (
	"encoding/json"
	"errors"
	"net/http"

	layererrors "Strata/pkg/errors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, layererrors.ErrLayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, layererrors.ErrInvalidVolume), errors.Is(err, layererrors.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, layererrors.ErrGenerationInProgress), errors.Is(err, layererrors.ErrLayerStopped):
		return http.StatusConflict
	case errors.Is(err, layererrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, layererrors.ErrAuth), errors.Is(err, layererrors.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, layererrors.ErrNetwork),
		errors.Is(err, layererrors.ErrGenerationFailed),
		errors.Is(err, layererrors.ErrAssetResolution),
		errors.Is(err, layererrors.ErrDownload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
