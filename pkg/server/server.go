package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server wires the acceptor, the command processor and the optional HTTP
// surface (WebSocket ingress and /metrics) together
type Server struct {
	config   ServerConfig
	log      *zerolog.Logger
	registry *prometheus.Registry
	metrics  *Metrics
	upgrader *websocket.Upgrader

	sessions  *SessionRegistry
	rooms     *RoomRegistry
	processor *Processor
	acceptor  *Acceptor
	listener  net.Listener

	httpServer   *http.Server
	httpListener net.Listener

	db     *database.DB
	ledger Ledger
	runID  string

	startTime  time.Time
	procCancel context.CancelFunc
	errCh      chan error
	shutdown   chan struct{}
	stopOnce   sync.Once
	stopErr    error
	started    bool
}

// Option customizes a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Server) { s.log = logger.OrNop(l) }
}

// WithRegistry registers metrics with reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithLedger replaces the SQLite ledger configured by LedgerPath
func WithLedger(l Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// NewServer creates a server and its seed rooms. Nothing listens until Start.
func NewServer(config ServerConfig, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		config:   config,
		log:      logger.Nop(),
		upgrader: newUpgrader(),
		sessions: NewSessionRegistry(),
		rooms:    NewRoomRegistry(),
		runID:    uuid.NewString(),
		errCh:    make(chan error, 1),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = NewMetrics(s.registry)

	if s.ledger == nil && config.LedgerPath != "" {
		db, err := database.Open(config.LedgerPath, s.log)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		ledger, err := database.NewLedger(db, s.runID, s.log)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to start ledger: %w", err)
		}
		s.db = db
		s.ledger = ledger
	}
	if s.ledger == nil {
		s.ledger = nopLedger{}
	}

	// Seed rooms exist before any session can be admitted
	for _, name := range config.SeedRooms {
		room := s.rooms.Create(name, true)
		s.log.Debug().Uint64("room_id", room.ID).Str("room", name).Msg("seed room created")
	}
	s.metrics.RecordRooms(s.rooms.Len())

	s.processor = NewProcessor(config, s.sessions, s.rooms, s.metrics, s.ledger, s.log)
	return s, nil
}

// Start binds the listeners and begins accepting. A bind failure is a
// KindFatalStartup error and leaves nothing running.
func (s *Server) Start() error {
	if s.started {
		return errors.New("server already started")
	}

	lc := net.ListenConfig{Control: listenControl}
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort))
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return &Error{Kind: KindFatalStartup, Op: "listen " + addr, Err: err}
	}

	if s.config.HTTPPort != 0 {
		httpAddr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.HTTPPort))
		httpListener, err := lc.Listen(context.Background(), "tcp", httpAddr)
		if err != nil {
			listener.Close()
			return &Error{Kind: KindFatalStartup, Op: "listen " + httpAddr, Err: err}
		}
		s.httpListener = httpListener
	}

	s.started = true
	s.startTime = time.Now()
	s.listener = listener
	logListenBacklog(s.log, listener.Addr().String())
	go s.monitorListenOverflows()

	ctx, cancel := context.WithCancel(context.Background())
	s.procCancel = cancel
	go s.processor.Run(ctx)

	s.acceptor = newAcceptor(listener, s.config, s.sessions, s.processor, s.metrics, s.log)
	go func() {
		if err := s.acceptor.Run(); err != nil {
			s.errCh <- err
		}
	}()

	if s.httpListener != nil {
		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.log.Info().Str("addr", s.httpListener.Addr().String()).Msg("HTTP server listening (/ws, /metrics)")
			if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	s.log.Info().
		Str("run_id", s.runID).
		Int("max_sessions", s.config.MaxSessions).
		Int("seed_rooms", len(s.config.SeedRooms)).
		Msg("server started")
	return nil
}

// Handler serves WebSocket ingress at /ws, Prometheus metrics at /metrics
// and JSON views of the registries at /status and /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", s.StatusHandler)
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Err delivers a fatal acceptor error. The caller should Stop the server.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// RunID identifies this server run in the ledger
func (s *Server) RunID() string {
	return s.runID
}

// Snapshot returns a consistent copy of the session and room registries
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	if !s.started {
		return s.processor.snapshot(), nil
	}
	return s.processor.Query(ctx)
}

// Stop shuts the server down in order: stop accepting, tell every Active
// session the server is closing, wait for all sessions to close, then drain
// and halt the processor. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	close(s.shutdown)
	if !s.started {
		return s.closeLedger()
	}
	s.log.Info().Msg("shutting down")

	var errs []error

	s.acceptor.Stop()
	select {
	case <-s.acceptor.Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for acceptor: %w", ctx.Err()))
	}
	s.listener.Close()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if err := s.processor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown broadcast: %w", err))
	}

	sessionsDone := make(chan struct{})
	go func() {
		s.acceptor.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for %d sessions: %w", s.acceptor.Live(), ctx.Err()))
	}

	s.procCancel()
	<-s.processor.Done()

	if err := s.closeLedger(); err != nil {
		errs = append(errs, err)
	}

	s.log.Info().Msg("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeLedger() error {
	var errs []error
	if err := s.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger close: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}
