package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"Strata/core/auth"

	"go.uber.org/zap"
)

type contextKey string

const identityKey contextKey = "identity"

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

// authMiddleware rejects requests without a valid bearer token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		id, err := s.app.Tokens.Parse(token)
		if err != nil {
			s.log.Debug("token rejected", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionRequest struct {
	Token string `json:"token"`
}

// handleSession signs the studio in. The token comes from the body or the
// Authorization header; the user's saved layers are loaded before replying.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Token == "" {
		req.Token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	id, err := s.app.Sessions.Establish(r.Context(), req.Token)
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrNoSecret) {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	resp := map[string]interface{}{
		"user":   id,
		"layers": s.app.Studio.Layers(),
	}
	if err != nil {
		// Signed in, but loading saved layers partly failed.
		s.log.Warn("session handlers failed", zap.String("user", id.UserID), zap.Error(err))
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
