package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/openfroyo/idler/pkg/autorestart"
	"github.com/openfroyo/idler/pkg/orchestrator"
	"github.com/openfroyo/idler/pkg/stores"
)

// Orchestrator is the workflow surface the API triggers.
// *orchestrator.Service satisfies it.
type Orchestrator interface {
	StartTeardown(ctx context.Context, in orchestrator.TeardownInput) (string, error)
	StartRestore(ctx context.Context, in orchestrator.RestoreInput) (string, error)
	Decide(ctx context.Context, req orchestrator.DecisionRequest) (*orchestrator.DecisionResult, error)
	RecordActivity(ctx context.Context, stage string, at time.Time) error
}

// Executions reads and cancels workflow executions. *engine.Engine
// satisfies it.
type Executions interface {
	Get(ctx context.Context, id string) (*stores.Execution, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// States reads lifecycle state.
type States interface {
	QueryByStage(ctx context.Context, stage string, latestOnly bool, limit int) ([]*stores.ResourceState, error)
	HealthCheck(ctx context.Context) error
}

// EventHandler consumes audit events. *autorestart.Detector satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, data []byte) (*autorestart.Result, error)
}

// Deps are the collaborators of a Server. Events and Metrics are optional.
type Deps struct {
	Orchestrator Orchestrator
	Executions   Executions
	States       States
	Events       EventHandler
	Metrics      http.Handler
	Logger       zerolog.Logger
}

// Server is the HTTP surface for triggers, approval links and inspection.
type Server struct {
	deps     Deps
	validate *validator.Validate
	router   *mux.Router
	logger   zerolog.Logger
}

const maxBodyBytes = 1 << 20

// NewServer builds the router.
func NewServer(deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Executions == nil || deps.States == nil {
		return nil, errors.New("api: orchestrator, executions and states are required")
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   mux.NewRouter(),
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(hlog.NewHandler(s.logger))
	r.Use(requestID)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("Request handled")
	}))

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/approvals/{id}/{decision:approve|deny}", s.handleDecisionPage).Methods(http.MethodGet)
	v1.HandleFunc("/approvals/{id}/{decision:approve|deny}", s.handleDecision).Methods(http.MethodPost)
	v1.HandleFunc("/teardown", s.handleTeardown).Methods(http.MethodPost)
	v1.HandleFunc("/restore", s.handleRestore).Methods(http.MethodPost)
	v1.HandleFunc("/activity", s.handleActivity).Methods(http.MethodPost)
	v1.HandleFunc("/events/audit", s.handleAuditEvent).Methods(http.MethodPost)
	v1.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}/cancel", s.handleCancelExecution).Methods(http.MethodPost)
	v1.HandleFunc("/stages/{stage}/states", s.handleStageStates).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		logger := hlog.FromRequest(r).With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}
