// Package api exposes the orchestrator's HTTP and WebSocket surface: CRUD
// over projects/repos/tasks/workspaces, execution-process lifecycle
// control, approval responses, and the streaming subscriptions backed by
// internal/stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"forgeloop/internal/approval"
	"forgeloop/internal/dto"
	"forgeloop/internal/engine"
	"forgeloop/internal/store"
	"forgeloop/internal/stream"
)

// Server wraps the chi router and the collaborators every handler needs.
type Server struct {
	router *chi.Mux
	db     *store.DB
	engine *engine.Engine
	broker *approval.Broker
	stream *stream.Facade
}

// NewServer builds the router and registers every route.
func NewServer(db *store.DB, eng *engine.Engine, broker *approval.Broker, facade *stream.Facade) *Server {
	s := &Server{
		router: chi.NewRouter(),
		db:     db,
		engine: eng,
		broker: broker,
		stream: facade,
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", dto.Handle(s.createProject))
		r.Get("/{id}", dto.Handle(s.getProject))
	})

	r.Route("/repos", func(r chi.Router) {
		r.Post("/", dto.Handle(s.createRepo))
		r.Get("/{id}", dto.Handle(s.getRepo))
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", dto.Handle(s.createTask))
		r.Get("/{id}", dto.Handle(s.getTask))
	})

	r.Route("/task-attempts", func(r chi.Router) {
		r.Get("/", dto.Handle(s.listWorkspaces))
		r.Post("/", dto.Handle(s.createWorkspace))
		r.Get("/{id}", dto.Handle(s.getWorkspace))
		r.Delete("/{id}", dto.Handle(s.deleteWorkspace))
		r.Post("/{id}/run-setup-script", dto.Handle(s.runSetupScript))
		r.Post("/{id}/run-cleanup-script", dto.Handle(s.runCleanupScript))
		r.Post("/{id}/run-archive-script", dto.Handle(s.runArchiveScript))
		r.Post("/{id}/run-agent-setup", dto.Handle(s.runAgentSetup))
		r.Post("/{id}/follow-up", dto.Handle(s.queueFollowUp))
		r.Post("/{id}/stop", dto.Handle(s.stopWorkspace))
		r.Get("/{id}/diff/ws", s.serveDiffWS)
		r.Get("/stream/ws", s.serveWorkspacesWS)
	})

	r.Route("/execution-processes", func(r chi.Router) {
		r.Post("/{id}/stop", dto.Handle(s.stopProcess))
		r.Get("/{id}/repo-states", dto.Handle(s.repoStates))
		r.Get("/{id}/raw-logs/ws", s.serveRawLogsWS)
		r.Get("/{id}/normalized-logs/ws", s.serveNormalizedLogsWS)
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Post("/{id}/respond", dto.Handle(s.respondApproval))
	})
}

// ListenAndServe runs the HTTP server until ctx is cancelled or an error
// occurs; on cancellation it shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
