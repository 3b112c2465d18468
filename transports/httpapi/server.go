package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/glimte/tiebridge/contracts"
	"github.com/glimte/tiebridge/tie"
)

const (
	DefaultAddr            = "127.0.0.1:7768"
	DefaultMaxBodyBytes    = 1 << 20
	DefaultShutdownTimeout = 5 * time.Second
)

var (
	// ErrInvalidConfiguration is returned by NewServer for unusable arguments
	ErrInvalidConfiguration = errors.New("httpapi: invalid configuration")
	// ErrServerRunning is returned when ListenAndServe is called twice
	ErrServerRunning = errors.New("httpapi: server already running")
)

// OperationSet tells the server which message types can be requested.
// *messaging.Dispatcher satisfies it.
type OperationSet interface {
	Has(name string) bool
}

// ResultSource hands out completed outcomes once. *results.Cache satisfies it.
type ResultSource interface {
	Take(id string) (contracts.Outcome, bool)
}

// envelope is the shape of every response body
type envelope struct {
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	statusOK      = "OK"
	statusError   = "Error"
	statusPending = "Pending"
)

// Server accepts requests over HTTP and queues them on its tie producer
type Server struct {
	producer   *tie.Producer
	operations OperationSet
	results    ResultSource
	health     http.Handler

	addr            string
	maxBodyBytes    int64
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	ready      chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	startOnce  sync.Once
}

// Option configures the Server
type Option func(*Server)

// WithAddr sets the listen address
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithHealthHandler serves h on GET /healthz
func WithHealthHandler(h http.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMaxBodyBytes bounds request payloads
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithShutdownTimeout bounds graceful shutdown
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server that sends through producer, which must
// already be tied
func NewServer(producer *tie.Producer, operations OperationSet, results ResultSource, options ...Option) (*Server, error) {
	if producer == nil || !producer.Tied() {
		return nil, fmt.Errorf("%w: producer must be tied", ErrInvalidConfiguration)
	}
	if operations == nil || results == nil {
		return nil, fmt.Errorf("%w: operations and results are required", ErrInvalidConfiguration)
	}

	s := &Server{
		producer:        producer,
		operations:      operations,
		results:         results,
		addr:            DefaultAddr,
		maxBodyBytes:    DefaultMaxBodyBytes,
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          slog.Default(),
		ready:           make(chan struct{}),
		stop:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s, nil
}

// Handler returns the routes served by the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /requests/{op}", s.handleRequest)
	mux.HandleFunc("GET /results/{id}", s.handleResult)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	if s.health != nil {
		mux.Handle("GET /healthz", s.health)
	}
	return mux
}

// ListenAndServe binds the address, starts the producer and serves until
// ctx ends or a shutdown is requested over HTTP
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	}
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	// The handshake must be queued before any request can be
	s.startOnce.Do(s.producer.Start)
	close(s.ready)

	s.logger.Info("http server listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	var result error
	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
		result = ctx.Err()
	case <-s.stop:
		s.logger.Info("shutdown requested over http")
	}

	if err := s.Shutdown(context.Background()); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return result
}

// Shutdown gracefully stops a running server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

// Addr returns the bound address, empty before ListenAndServe
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ready is closed once the server is listening and its producer started
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	args := make(map[string]string, len(r.URL.Query()))
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			args[key] = values[0]
		}
	}

	s.logger.Debug("server reached on root path", "args", args)
	writeJSON(w, http.StatusOK, envelope{Status: statusOK, Result: args})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	op := strings.TrimSpace(r.PathValue("op"))
	if !s.operations.Has(op) {
		writeJSON(w, http.StatusNotFound, envelope{Status: statusError, Error: "unknown operation: " + op})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Status: statusError, Error: "request body too large"})
		return
	}

	var payload json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, envelope{Status: statusError, Error: "request body must be JSON"})
			return
		}
		payload = body
	}

	msg := contracts.NewMessage(op, payload)
	s.producer.Send(msg)

	id := msg.GetCorrelationID()
	s.logger.Debug("request queued", "operation", op, "id", id)
	writeJSON(w, http.StatusAccepted, envelope{Status: statusOK, Result: map[string]string{"id": id}})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))

	outcome, ok := s.results.Take(id)
	if !ok {
		// Not ready yet, already taken, or evicted
		writeJSON(w, http.StatusNotFound, envelope{Status: statusPending})
		return
	}

	// The envelope carries the outcome's own result type
	writeJSON(w, http.StatusOK, envelope{Status: string(outcome.Status), Result: outcome, Error: outcome.Error})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Status: statusOK, Result: "Shutting down..."})
	s.stopOnce.Do(func() { close(s.stop) })
}

func writeJSON(w http.ResponseWriter, code int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
