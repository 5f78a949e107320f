package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/rs/zerolog"
)

// SessionState is the lifecycle stage of a session. States only move forward.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// commandSink receives everything a session's read loop produces
type commandSink interface {
	submit(env envelope) bool
}

type sessionOptions struct {
	queueCapacity int
	writeTimeout  time.Duration
	maxFrameSize  uint32
}

// Session represents one connected client: a socket, a bounded outbound
// queue, and the read and write loops that service them.
type Session struct {
	ID          uint64
	Transport   string // "tcp" or "websocket"
	RemoteAddr  string
	ConnectedAt time.Time

	conn  net.Conn
	opts  sessionOptions
	log   zerolog.Logger
	state atomic.Int32

	mu   sync.RWMutex // Protects name
	name string

	// joined is set once JoinServer succeeds. Processor goroutine only.
	joined bool

	// outbound is never closed; quit tells the writer to drain and finish
	outbound  chan *protocol.Packet
	quit      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	loops     sync.WaitGroup
	done      chan struct{}

	// onClosed runs once after both loops have exited
	onClosed func(*Session)
}

func newSession(id uint64, conn net.Conn, transport string, opts sessionOptions, log *zerolog.Logger) *Session {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if opts.queueCapacity < 1 {
		opts.queueCapacity = 1
	}

	s := &Session{
		ID:          id,
		Transport:   transport,
		RemoteAddr:  remote,
		ConnectedAt: time.Now(),
		conn:        conn,
		opts:        opts,
		outbound:    make(chan *protocol.Packet, opts.queueCapacity),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.log = log.With().Uint64("session_id", id).Str("remote", remote).Str("transport", transport).Logger()
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// activate moves Connecting to Active and reports whether it did
func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// markClosing moves any earlier state to Closing
func (s *Session) markClosing() {
	for {
		cur := s.state.Load()
		if cur >= int32(StateClosing) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateClosing)) {
			return
		}
	}
}

// Name returns the display name, or "" before JoinServer
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// setName assigns the display name once
func (s *Session) setName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name != "" {
		return false
	}
	s.name = name
	return true
}

// Done is closed once the session has fully closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// start launches the read and write loops. Packets read are handed to sink.
func (s *Session) start(sink commandSink) {
	s.loops.Add(2)
	go s.readLoop(sink)
	go s.writeLoop()

	go func() {
		s.loops.Wait()
		s.closeConn()
		s.state.Store(int32(StateClosed))
		close(s.done)
		s.log.Debug().Msg("session closed")
		if s.onClosed != nil {
			s.onClosed(s)
		}
	}()
}

// stop asks the writer to flush what is queued and close the socket. Idempotent.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.markClosing()
		close(s.quit)
	})
}

func (s *Session) stopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop(sink commandSink) {
	defer s.loops.Done()
	defer s.stop()

	for {
		pkt, err := s.readPacket()
		if err != nil {
			s.handleReadError(sink, err)
			return
		}

		s.log.Debug().Str("command", pkt.Command.String()).Msg("RECV")

		if !sink.submit(envelope{kind: envPacket, sessionID: s.ID, packet: pkt}) {
			return
		}
	}
}

// readPacket reads one frame and decodes it. A well-framed packet with an
// unknown tag comes back as a bare packet carrying that tag, so the processor
// can reject it while the stream stays in sync.
func (s *Session) readPacket() (*protocol.Packet, error) {
	f, err := protocol.DecodeFrame(s.conn, s.opts.maxFrameSize)
	if err != nil {
		return nil, err
	}
	pkt, err := protocol.DecodePacket(f)
	if errors.Is(err, protocol.ErrUnknownCommand) {
		s.log.Debug().Uint8("tag", f.Type).Msg("unknown command tag")
		return &protocol.Packet{Command: protocol.Command(f.Type)}, nil
	}
	return pkt, err
}

func (s *Session) handleReadError(sink commandSink, err error) {
	switch {
	case errors.Is(err, io.EOF):
		// Orderly close by the peer is an implicit LeaveServer
		s.log.Debug().Msg("peer closed connection")
		sink.submit(envelope{kind: envPacket, sessionID: s.ID, packet: protocol.LeaveServer()})

	case protocol.IsProtocolError(err):
		s.log.Warn().Err(err).Msg("protocol violation, closing session")
		s.tryEnqueue(protocol.Error("protocol error: " + err.Error()))
		sink.submit(envelope{kind: envDetach, sessionID: s.ID, cause: &Error{Kind: KindProtocol, Op: "read", Err: err}})

	default:
		if s.stopping() {
			s.log.Debug().Err(err).Msg("read loop ended")
		} else {
			s.log.Info().Err(err).Msg("connection error")
		}
		sink.submit(envelope{kind: envDetach, sessionID: s.ID, cause: &Error{Kind: KindConnection, Op: "read", Err: err}})
	}
}

// tryEnqueue queues p without waiting
func (s *Session) tryEnqueue(p *protocol.Packet) bool {
	select {
	case s.outbound <- p:
		return true
	default:
		return false
	}
}

// enqueue queues p, waiting at most timeout for space.
// It fails with ErrQueueTimeout on a full queue and ErrServerClosed once the session is stopping.
func (s *Session) enqueue(p *protocol.Packet, timeout time.Duration) error {
	if s.stopping() {
		return ErrServerClosed
	}
	if s.tryEnqueue(p) {
		return nil
	}
	if timeout <= 0 {
		return ErrQueueTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.outbound <- p:
		return nil
	case <-s.quit:
		return ErrServerClosed
	case <-timer.C:
		return ErrQueueTimeout
	}
}

func (s *Session) writeLoop() {
	defer s.loops.Done()

	for {
		select {
		case pkt := <-s.outbound:
			if err := s.write(pkt); err != nil {
				s.writeFailed(err)
				return
			}
		case <-s.quit:
			s.flush()
			s.closeConn()
			return
		}
	}
}

// flush writes whatever is still queued, stopping at the first error
func (s *Session) flush() {
	for {
		select {
		case pkt := <-s.outbound:
			if err := s.write(pkt); err != nil {
				s.log.Debug().Err(err).Msg("flush aborted")
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeFailed(err error) {
	if s.stopping() {
		s.log.Debug().Err(err).Msg("write loop ended")
	} else {
		s.log.Info().Err(err).Msg("write failed, closing session")
	}
	// Closing the socket unblocks the reader, which reports the detach
	s.closeConn()
	s.stop()
}

func (s *Session) write(p *protocol.Packet) error {
	if s.opts.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout)); err != nil {
			return err
		}
	}
	if err := protocol.WritePacket(s.conn, p); err != nil {
		return err
	}
	s.log.Debug().Str("command", p.Command.String()).Msg("SEND")
	return nil
}
