package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"bullshit-bench/server/engine"
	"bullshit-bench/server/orchestrator"
	"bullshit-bench/server/tournament"
)

var errSessionNotFound = errors.New("session not found")

// session is one interactive game driven a phase at a time over HTTP.
type session struct {
	ID        string
	CreatedAt time.Time
	orch      *orchestrator.Orchestrator
}

type sessionView struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Phase     orchestrator.Phase `json:"phase"`
	Game      *engine.GameState  `json:"game"`
}

func (s *session) view() sessionView {
	return sessionView{ID: s.ID, CreatedAt: s.CreatedAt, Phase: s.orch.Phase(), Game: s.orch.Snapshot()}
}

type sessionManager struct {
	newClient func() orchestrator.Completer
	cfg       orchestrator.Config
	logger    *log.Logger
	sinks     []tournament.GameSink

	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionManager(newClient func() orchestrator.Completer, cfg orchestrator.Config, logger *log.Logger, sinks ...tournament.GameSink) *sessionManager {
	return &sessionManager{
		newClient: newClient,
		cfg:       cfg,
		logger:    logger.WithPrefix("sessions"),
		sinks:     sinks,
		sessions:  map[string]*session{},
	}
}

type createSessionRequest struct {
	Experiment int      `json:"experiment"`
	Models     []string `json:"models"`
	Seed       *int64   `json:"seed,omitempty"`
}

func (m *sessionManager) create(req createSessionRequest) (*session, error) {
	exp := engine.Experiment(req.Experiment)
	if !exp.Valid() {
		return nil, fmt.Errorf("experiment must be 1, 2 or 3, got %d", req.Experiment)
	}
	if len(req.Models) != tournament.PlayersPerGame {
		return nil, fmt.Errorf("need exactly %d models, got %d", tournament.PlayersPerGame, len(req.Models))
	}
	id := uuid.NewString()
	seed := engine.SeedFromGameID(id)
	if req.Seed != nil {
		seed = *req.Seed
	}
	g, err := engine.NewGame(id, exp, req.Models, seed, time.Now())
	if err != nil {
		return nil, err
	}
	s := &session{
		ID:        id,
		CreatedAt: g.StartTime,
		orch:      orchestrator.New(g, m.newClient(), m.logger, m.cfg),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.logger.Info("created", "session", id, "experiment", exp, "models", req.Models)
	return s, nil
}

func (m *sessionManager) get(id string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	return s, nil
}

// step advances a session by one phase and persists the game once it ends.
func (m *sessionManager) step(ctx context.Context, id string) (orchestrator.StepResult, error) {
	s, err := m.get(id)
	if err != nil {
		return orchestrator.StepResult{}, err
	}
	res, err := s.orch.Step(ctx)
	if err != nil {
		return res, err
	}
	if res.Phase == orchestrator.PhaseFinished {
		final := s.orch.Snapshot()
		for _, sink := range m.sinks {
			if err := sink(ctx, final); err != nil {
				m.logger.Error("persisting session failed", "session", id, "err", err)
			}
		}
	}
	return res, nil
}
