package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bullshit-bench/server/orchestrator"
	"bullshit-bench/server/store"
	"bullshit-bench/server/tournament"
)

// api bundles what the handlers read. db and progress may be nil.
type api struct {
	db       *store.DB
	sessions *sessionManager
	progress func() tournament.Progress
	logger   *log.Logger
}

func Router(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.health)
		r.Get("/leaderboard", a.leaderboard)
		r.Get("/games/{id}", a.game)
		r.Get("/progress", a.tournamentProgress)

		r.Post("/sessions", a.createSession)
		r.Get("/sessions/{id}", a.getSession)
		r.Post("/sessions/{id}/step", a.stepSession)
	})
	return r
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"dur", time.Since(start),
			"id", middleware.GetReqID(r.Context()),
		)
	})
}

// health reports ok without a database, and pings it when one is configured.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	ctx, cancel := withTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.db.Ping(ctx); err != nil {
		a.logger.Warn("database ping failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "database": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "database": "ok"})
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		writeError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	ctx, cancel := withTimeout(r.Context(), 10*time.Second)
	defer cancel()
	rows, err := a.db.Leaderboard(ctx)
	if err != nil {
		a.logger.Error("leaderboard", "err", err)
		writeError(w, http.StatusInternalServerError, "leaderboard query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (a *api) game(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		writeError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	ctx, cancel := withTimeout(r.Context(), 10*time.Second)
	defer cancel()
	s, err := a.db.GameSummary(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	if err != nil {
		a.logger.Error("game summary", "err", err)
		writeError(w, http.StatusInternalServerError, "game query failed")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) tournamentProgress(w http.ResponseWriter, r *http.Request) {
	if a.progress == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": true, "progress": a.progress()})
}

func (a *api) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s, err := a.sessions.create(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.view())
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.sessions.get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.view())
}

func (a *api) stepSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := a.sessions.step(r.Context(), id)
	switch {
	case errors.Is(err, errSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, orchestrator.ErrStepInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, orchestrator.ErrGameFinished):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "step cancelled, game unchanged")
		return
	case err != nil:
		a.logger.Error("step", "session", id, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
