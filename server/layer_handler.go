package server

import (
	"encoding/json"
	"net/http"
	"time"

	"Strata/core/studio"
	"Strata/model"
	layererrors "Strata/pkg/errors"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultPublicLimit = 50

type createLayerRequest struct {
	Prompt     string `json:"prompt"`
	Instrument string `json:"instrument"`
	BPM        int    `json:"bpm"`
}

type seekRequest struct {
	Position float64 `json:"position"` // seconds
}

type flagRequest struct {
	Value bool `json:"value"`
}

type volumeRequest struct {
	Volume *float64 `json:"volume"`
}

func layerID(r *http.Request) model.LayerID {
	return model.LayerID(mux.Vars(r)["id"])
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, signedIn := s.app.Sessions.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generating":  s.app.Studio.IsGenerating(),
		"apiKey":      s.app.Composer.HasAPIKey(),
		"layers":      len(s.app.Studio.Layers()),
		"persistence": s.app.Store != nil,
		"signedIn":    signedIn,
		"user":        id,
		"instruments": model.Instruments(),
	})
}

func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Studio.Layers())
}

func (s *Server) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	l, ok := s.app.Studio.Layer(layerID(r))
	if !ok {
		writeErr(w, layererrors.NewLayerError("get", layerID(r).String(), layererrors.ErrLayerNotFound))
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleCreateLayer blocks until the layer is generated. The layer belongs to
// the caller's token identity. An empty prompt creates nothing and answers
// 204.
func (s *Server) handleCreateLayer(w http.ResponseWriter, r *http.Request) {
	var req createLayerRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := model.ParseInstrument(req.Instrument)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BPM < 0 {
		writeError(w, http.StatusBadRequest, "bpm must not be negative")
		return
	}

	owner, _ := IdentityFromContext(r.Context())
	layer, err := s.app.Studio.CreateLayer(r.Context(), studio.CreateRequest{
		Prompt:     req.Prompt,
		Instrument: inst,
		BPM:        req.BPM,
		Owner:      owner,
	})
	if err != nil {
		s.log.Warn("create layer failed", zap.String("prompt", req.Prompt), zap.Error(err))
		writeErr(w, err)
		return
	}
	if layer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, layer)
}

func (s *Server) handleDeleteLayer(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Studio.DeleteLayer(layerID(r)); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id := layerID(r)
	if err := s.app.Studio.Toggle(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	s.writeLayer(w, id)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if !decode(w, r, &req) {
		return
	}
	id := layerID(r)
	pos := time.Duration(req.Position * float64(time.Second))
	if err := s.app.Studio.Seek(id, pos); err != nil {
		writeErr(w, err)
		return
	}
	s.writeLayer(w, id)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var req volumeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Volume == nil {
		writeError(w, http.StatusBadRequest, "volume is required")
		return
	}
	id := layerID(r)
	if err := s.app.Studio.SetVolume(id, *req.Volume); err != nil {
		writeErr(w, err)
		return
	}
	s.writeLayer(w, id)
}

// handleFlag serves the boolean layer settings.
func (s *Server) handleFlag(set func(model.LayerID, bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req flagRequest
		if !decode(w, r, &req) {
			return
		}
		id := layerID(r)
		if err := set(id, req.Value); err != nil {
			writeErr(w, err)
			return
		}
		s.writeLayer(w, id)
	}
}

func (s *Server) handlePlayAll(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Studio.PlayAll(r.Context()); err != nil {
		// Layers that could start are playing; report the rest.
		s.log.Warn("play all partly failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"layers": s.app.Studio.Layers(),
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"layers": s.app.Studio.Layers()})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Studio.StopAll(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"layers": s.app.Studio.Layers()})
}

// handlePublicLayers lists layers other users shared. It needs remote
// persistence.
func (s *Server) handlePublicLayers(w http.ResponseWriter, r *http.Request) {
	if s.app.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "remote persistence is not configured")
		return
	}
	recs, err := s.app.Repo.ListPublic(r.Context(), defaultPublicLimit)
	if err != nil {
		s.log.Error("list public layers failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list public layers")
		return
	}
	out := make([]model.Layer, 0, len(recs))
	for _, rec := range recs {
		l, err := rec.ToLayer()
		if err != nil {
			s.log.Warn("skipping invalid layer record", zap.String("layer", rec.ID), zap.Error(err))
			continue
		}
		out = append(out, l)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeLayer(w http.ResponseWriter, id model.LayerID) {
	l, ok := s.app.Studio.Layer(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
