package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/rs/zerolog"
)

const refuseWriteTimeout = time.Second

// Acceptor admits new connections: it enforces the session limit, assigns
// ids, builds sessions and hands them to the processor before their loops start.
type Acceptor struct {
	listener     net.Listener
	pollInterval time.Duration
	maxSessions  int
	sessionOpts  sessionOptions

	ids       *SessionRegistry
	processor *Processor
	metrics   *Metrics
	log       *zerolog.Logger

	live atomic.Int64 // sessions admitted and not yet closed

	// admitMu orders admissions against shutdown so no session is added to
	// sessions after Stop has begun waiting on it
	admitMu  sync.RWMutex
	shutdown atomic.Bool
	sessions sync.WaitGroup
	done     chan struct{}
}

func newAcceptor(listener net.Listener, cfg ServerConfig, ids *SessionRegistry, processor *Processor, metrics *Metrics, log *zerolog.Logger) *Acceptor {
	return &Acceptor{
		listener:     listener,
		pollInterval: cfg.AcceptPollInterval,
		maxSessions:  cfg.MaxSessions,
		sessionOpts: sessionOptions{
			queueCapacity: cfg.OutboundQueueCapacity,
			writeTimeout:  cfg.WriteTimeout,
			maxFrameSize:  cfg.MaxFrameSize,
		},
		ids:       ids,
		processor: processor,
		metrics:   metrics,
		log:       log,
		done:      make(chan struct{}),
	}
}

// deadlineListener is implemented by *net.TCPListener and *net.UnixListener
type deadlineListener interface {
	SetDeadline(t time.Time) error
}

// Run accepts connections until Stop is called. Accept waits at most one poll
// interval so the shutdown flag is observed promptly. A listener failure
// outside shutdown ends the loop with a KindConnection error.
func (a *Acceptor) Run() error {
	defer close(a.done)

	dl, canPoll := a.listener.(deadlineListener)
	for {
		if a.shutdown.Load() {
			return nil
		}
		if canPoll {
			if err := dl.SetDeadline(time.Now().Add(a.pollInterval)); err != nil && !a.shutdown.Load() {
				return &Error{Kind: KindConnection, Op: "accept", Err: err}
			}
		}

		conn, err := a.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if a.shutdown.Load() {
				return nil
			}
			a.log.Error().Err(err).Msg("accept failed")
			return &Error{Kind: KindConnection, Op: "accept", Err: err}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		if err := a.Admit(conn, "tcp"); err != nil {
			a.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection not admitted")
		}
	}
}

// Admit turns an accepted connection into a registered, running session.
// It refuses with ErrServerFull at the session limit and ErrServerClosed
// during shutdown; a refused connection is closed.
func (a *Acceptor) Admit(conn net.Conn, transport string) error {
	a.admitMu.RLock()
	defer a.admitMu.RUnlock()

	if a.shutdown.Load() {
		_ = conn.Close()
		return ErrServerClosed
	}

	if n := a.live.Add(1); a.maxSessions > 0 && n > int64(a.maxSessions) {
		a.live.Add(-1)
		a.metrics.RecordSessionRefused()
		a.log.Warn().Str("remote", conn.RemoteAddr().String()).Int("max_sessions", a.maxSessions).Msg("server full, refusing connection")
		refuse(conn)
		return &Error{Kind: KindResourceExhausted, Op: "admit", Err: ErrServerFull}
	}

	s := newSession(a.ids.NextID(), conn, transport, a.sessionOpts, a.log)
	s.onClosed = a.sessionClosed
	a.sessions.Add(1)

	// Registration is queued ahead of anything the session can read
	if !a.processor.submit(envelope{kind: envAttach, session: s}) {
		_ = conn.Close()
		a.sessionClosed(s)
		return ErrServerClosed
	}
	s.start(a.processor)
	return nil
}

func (a *Acceptor) sessionClosed(*Session) {
	a.live.Add(-1)
	a.sessions.Done()
}

// Live returns the number of admitted sessions that have not fully closed
func (a *Acceptor) Live() int {
	return int(a.live.Load())
}

// Stop sets the shutdown flag. Run returns within one poll interval and
// later Admit calls are refused.
func (a *Acceptor) Stop() {
	a.admitMu.Lock()
	a.shutdown.Store(true)
	a.admitMu.Unlock()
}

// Done is closed when Run has returned
func (a *Acceptor) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until every admitted session has closed
func (a *Acceptor) Wait() {
	a.sessions.Wait()
}

// refuse writes a best-effort error frame and closes the connection
func refuse(conn net.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(refuseWriteTimeout))
	_ = protocol.WritePacket(conn, protocol.Error(ErrServerFull.Error()))
	_ = conn.Close()
}
