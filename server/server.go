package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"Strata/core/app"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Server exposes the studio over HTTP and a websocket event feed.
type Server struct {
	app *app.App
	log *zap.Logger
	srv *http.Server
}

// New builds the router for a. Layer creation blocks for the whole
// generation, so the write timeout follows the generation timeout.
func New(a *app.App) *Server {
	s := &Server{app: a, log: a.Log.Named("http")}
	s.srv = &http.Server{
		Addr:         a.Config.HTTPAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: a.Config.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router registers every route. Layer routes require a bearer token.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodPost)

	layers := api.PathPrefix("/layers").Subrouter()
	layers.Use(s.authMiddleware)
	layers.HandleFunc("", s.handleListLayers).Methods(http.MethodGet)
	layers.HandleFunc("", s.handleCreateLayer).Methods(http.MethodPost)
	layers.HandleFunc("/public", s.handlePublicLayers).Methods(http.MethodGet)
	layers.HandleFunc("/play-all", s.handlePlayAll).Methods(http.MethodPost)
	layers.HandleFunc("/stop-all", s.handleStopAll).Methods(http.MethodPost)
	layers.HandleFunc("/{id}", s.handleGetLayer).Methods(http.MethodGet)
	layers.HandleFunc("/{id}", s.handleDeleteLayer).Methods(http.MethodDelete)
	layers.HandleFunc("/{id}/toggle", s.handleToggle).Methods(http.MethodPost)
	layers.HandleFunc("/{id}/seek", s.handleSeek).Methods(http.MethodPost)
	layers.HandleFunc("/{id}/mute", s.handleFlag(s.app.Studio.SetMuted)).Methods(http.MethodPost)
	layers.HandleFunc("/{id}/solo", s.handleFlag(s.app.Studio.SetSolo)).Methods(http.MethodPost)
	layers.HandleFunc("/{id}/loop", s.handleFlag(s.app.Studio.SetLooping)).Methods(http.MethodPost)
	layers.HandleFunc("/{id}/public", s.handleFlag(s.app.Studio.SetPublic)).Methods(http.MethodPost)
	layers.HandleFunc("/{id}/volume", s.handleVolume).Methods(http.MethodPost)

	router.HandleFunc("/ws", s.handleEvents)

	// Catch-all so CORS preflights for any path get answered by the middleware.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("server stopped")
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
