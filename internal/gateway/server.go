// Package gateway serves the worker's HTTP surface.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
	"github.com/dohr-michael/oxide/internal/metrics"
	"github.com/dohr-michael/oxide/internal/node"
	"github.com/dohr-michael/oxide/internal/storage"
	"github.com/dohr-michael/oxide/internal/tasks"
)

// Exchange bounds the results long-poll.
type Exchange struct {
	MaxWait         time.Duration // used when X-Max-Wait is absent
	MaxWaitLimit    time.Duration // upper bound for X-Max-Wait
	MaxResponseSize int64         // used when X-Max-Size is absent
}

// Deps are the collaborators the handlers call into. Journal and Drivers
// may be nil.
type Deps struct {
	Node     *node.Node
	Registry *tasks.Registry
	Memory   *memory.Accountant
	Drivers  node.DriverStats
	Bus      *events.Bus
	Journal  *storage.Journal
	Exchange Exchange
}

// Server is the worker HTTP server.
type Server struct {
	httpServer *http.Server
	deps       Deps
	exchange   atomic.Pointer[Exchange]
	addr       atomic.Value // string, set once listening
}

// NewServer creates the server and its routes.
func NewServer(deps Deps, addr string) *Server {
	s := &Server{deps: deps}
	s.SetExchange(deps.Exchange)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(metrics.Middleware)

	// Memory
	r.Post("/memory", s.handleMemoryAssignments)
	r.Get("/memory/{poolId}", s.handleMemoryPool)

	// Node
	r.Get("/info", s.handleInfo)
	r.Get("/info/state", s.handleInfoState)
	r.Put("/info/state", s.handleUnsupported)
	r.Put("/info/coordinator", s.handleNotCoordinator)
	r.Get("/status", s.handleStatus)
	r.Head("/status", s.handleStatusProbe)

	// Tasks
	r.Get("/task", s.handleTaskList)
	r.Post("/task/{taskId}", s.handleTaskUpdate)
	r.Get("/task/{taskId}", s.handleTaskInfo)
	r.Get("/task/{taskId}/status", s.handleTaskStatus)
	r.Delete("/task/{taskId}", s.handleTaskDelete)

	// Result exchange
	r.Get("/task/async/{taskId}/results/{bufferId}/{token}", s.handleResults)
	r.Get("/task/async/{taskId}/results/{bufferId}/{token}/acknowledge", s.handleAcknowledge)
	r.Delete("/task/async/{taskId}/results/{bufferId}/{token}", s.handleBufferDelete)

	// Observability
	r.Get("/v1/events", s.handleEvents)
	r.Get("/v1/task/{taskId}/journal", s.handleJournal)
	r.Delete("/v1/task/{taskId}/journal", s.handleJournalDelete)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Memory))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetExchange replaces the long-poll bounds.
func (s *Server) SetExchange(ex Exchange) {
	if ex.MaxWaitLimit <= 0 {
		ex.MaxWaitLimit = time.Minute
	}
	if ex.MaxWait <= 0 || ex.MaxWait > ex.MaxWaitLimit {
		ex.MaxWait = min(time.Second, ex.MaxWaitLimit)
	}
	if ex.MaxResponseSize <= 0 {
		ex.MaxResponseSize = 16 << 20
	}
	s.exchange.Store(&ex)
}

// Addr returns the listening address once Start has bound it, else the
// configured one.
func (s *Server) Addr() string {
	if a, ok := s.addr.Load().(string); ok {
		return a
	}
	return s.httpServer.Addr
}

// Start begins listening. It blocks until the server is stopped and returns
// nil after a graceful Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.addr.Store(ln.Addr().String())
	slog.Info("oxide worker listening", "addr", ln.Addr().String(), "node_id", s.deps.Node.ID())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, waiting for in-flight long polls.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
