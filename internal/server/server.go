// Package server provides the local Connect RPC surface of the daemon.
//
// Handlers are hand-defined unary procedures over the plain JSON types
// in internal/api. The server binds loopback by default; there is no
// authentication layer, the trust boundary is the local machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"atlas/internal/api"
	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/consolidate"
	"atlas/internal/logging"
	"atlas/internal/pipeline"
	"atlas/internal/retrieve"
	"atlas/internal/store"
)

// Version is set at build time.
var Version = "dev"

type Config struct {
	Logger *slog.Logger

	// Addr is the listen address. Empty means "127.0.0.1:7423".
	Addr string

	// SessionBuffer bounds the session event queue. Zero means 256.
	SessionBuffer int
}

// Deps are the engines the handlers delegate to.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Retriever    *retrieve.Engine
	Consolidator *consolidate.Engine
	Coordinator  *store.Coordinator
	Registry     *backend.Registry

	// Watch registers a root with the file watcher. Nil disables the
	// watch flag on ingest requests.
	Watch func(root string) error

	// Shutdown is invoked by the Shutdown RPC. The server never stops
	// itself; the daemon owns ordering.
	Shutdown func(drain bool)
}

type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	events *eventBuffer

	startTime time.Time

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server

	inFlight sync.WaitGroup
	draining atomic.Bool
}

func New(deps Deps, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7423"
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 256
	}
	logger := logging.Default(cfg.Logger).With("component", "server")
	return &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		events:    newEventBuffer(cfg.SessionBuffer, logger),
		startTime: time.Now(),
	}
}

// Start binds the listener and serves in the background. The session
// event consumer runs until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	mux := http.NewServeMux()
	s.registerProcedures(mux)
	s.registerProbes(mux)

	handler := s.trackRequests(s.correlate(mux))
	srv := &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = srv
	s.mu.Unlock()

	go s.events.consume(ctx, s.applyEvent)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound address, usable after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener. Requests
// arriving during the drain are rejected at the probe layer; connect
// calls in flight finish within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("drain deadline hit, closing with requests in flight")
	}

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) registerProcedures(mux *http.ServeMux) {
	codec := connect.WithCodec(api.Codec{})

	mux.Handle(api.ProcIngest, connect.NewUnaryHandler(api.ProcIngest, s.ingest, codec))
	mux.Handle(api.ProcIngestStatus, connect.NewUnaryHandler(api.ProcIngestStatus, s.ingestStatus, codec))
	mux.Handle(api.ProcListTasks, connect.NewUnaryHandler(api.ProcListTasks, s.listTasks, codec))
	mux.Handle(api.ProcCancelTask, connect.NewUnaryHandler(api.ProcCancelTask, s.cancelTask, codec))
	mux.Handle(api.ProcForget, connect.NewUnaryHandler(api.ProcForget, s.forget, codec))

	mux.Handle(api.ProcSearch, connect.NewUnaryHandler(api.ProcSearch, s.search, codec))

	mux.Handle(api.ProcHealth, connect.NewUnaryHandler(api.ProcHealth, s.health, codec))
	mux.Handle(api.ProcConsolidate, connect.NewUnaryHandler(api.ProcConsolidate, s.consolidateNow, codec))
	mux.Handle(api.ProcVacuum, connect.NewUnaryHandler(api.ProcVacuum, s.vacuumNow, codec))
	mux.Handle(api.ProcSessionEvent, connect.NewUnaryHandler(api.ProcSessionEvent, s.sessionEvent, codec))
	mux.Handle(api.ProcShutdown, connect.NewUnaryHandler(api.ProcShutdown, s.shutdownRPC, codec))
}

func (s *Server) registerProbes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// trackRequests counts in-flight requests for graceful drain.
func (s *Server) trackRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// correlate attaches a correlation id to every request, echoed in the
// response header for client-side log joining.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("Atlas-Correlation-Id")
		if id == "" {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header().Set("Atlas-Correlation-Id", id)
		next.ServeHTTP(w, r)
	})
}

// rpcError maps the error taxonomy to connect codes.
func rpcError(err error) *connect.Error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	switch atlaserr.KindOf(err) {
	case atlaserr.KindValidation:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case atlaserr.KindCapabilityUnavailable:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case atlaserr.KindTransient, atlaserr.KindDivergence:
		return connect.NewError(connect.CodeUnavailable, err)
	case atlaserr.KindCorruption:
		return connect.NewError(connect.CodeDataLoss, err)
	case atlaserr.KindCancelled:
		return connect.NewError(connect.CodeCanceled, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
