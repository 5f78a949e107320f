package server

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/logger"
	"github.com/aeolun/roomchat/pkg/protocol"
)

// testConfig returns a config suited to loopback tests
func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.AcceptPollInterval = 20 * time.Millisecond
	cfg.EnqueueTimeout = 20 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

// ledgerEvent is one call recorded by mockLedger
type ledgerEvent struct {
	kind      string
	sessionID uint64
	detail    string
}

// mockLedger records ledger calls in memory
type mockLedger struct {
	mu     sync.Mutex
	events []ledgerEvent
	closed bool
}

func (m *mockLedger) record(kind string, id uint64, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ledgerEvent{kind: kind, sessionID: id, detail: detail})
}

func (m *mockLedger) SessionOpened(id uint64, transport, _ string) { m.record("opened", id, transport) }
func (m *mockLedger) SessionJoined(id uint64, name string)         { m.record("joined", id, name) }
func (m *mockLedger) SessionClosed(id uint64, reason string)       { m.record("closed", id, reason) }

func (m *mockLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockLedger) Events() []ledgerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ledgerEvent(nil), m.events...)
}

// newTestProcessor builds a processor that is driven directly through handle
func newTestProcessor(t *testing.T, cfg ServerConfig) (*Processor, *mockLedger) {
	t.Helper()
	ledger := &mockLedger{}
	p := NewProcessor(cfg, NewSessionRegistry(), NewRoomRegistry(), nil, ledger, logger.Nop())
	return p, ledger
}

// newIdleSession creates a session whose loops are never started, so
// everything routed to it stays in its outbound queue
func newIdleSession(t *testing.T, p *Processor, queueCapacity int) *Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	opts := sessionOptions{queueCapacity: queueCapacity, maxFrameSize: protocol.MaxFrameSize}
	s := newSession(p.sessions.NextID(), server, "tcp", opts, logger.Nop())
	p.handle(envelope{kind: envAttach, session: s})
	return s
}

// joinedSession attaches a session and joins it under name, discarding the join output
func joinedSession(t *testing.T, p *Processor, name string) *Session {
	t.Helper()
	s := newIdleSession(t, p, 64)
	send(p, s, protocol.JoinServer(name))
	return s
}

// backloggedSession registers a joined session whose single queue slot is
// already taken, so the next packet routed to it stalls
func backloggedSession(t *testing.T, p *Processor, name string) *Session {
	t.Helper()
	s := newIdleSession(t, p, 1)
	if !s.setName(name) || !s.activate() {
		t.Fatalf("could not activate %s", name)
	}
	s.joined = true
	if !s.tryEnqueue(protocol.DisplayToUser("backlog")) {
		t.Fatalf("could not fill queue of %s", name)
	}
	return s
}

// send runs one packet from s through the processor, as its read loop would
func send(p *Processor, s *Session, pkt *protocol.Packet) {
	p.process(envelope{kind: envPacket, sessionID: s.ID, packet: pkt})
}

// drain empties a session's outbound queue without blocking
func drain(s *Session) []*protocol.Packet {
	var out []*protocol.Packet
	for {
		select {
		case pkt := <-s.outbound:
			out = append(out, pkt)
		default:
			return out
		}
	}
}

// drainAll empties the queue of every session given
func drainAll(sessions ...*Session) {
	for _, s := range sessions {
		drain(s)
	}
}

// commands lists the command of each packet
func commands(pkts []*protocol.Packet) []protocol.Command {
	out := make([]protocol.Command, len(pkts))
	for i, p := range pkts {
		out[i] = p.Command
	}
	return out
}

// membershipViolation reports a room member that is not a registered session
func membershipViolation(p *Processor) error {
	for _, room := range p.rooms.All() {
		for _, id := range room.Members() {
			if _, ok := p.sessions.Get(id); !ok {
				return fmt.Errorf("room %d lists unregistered session %d", room.ID, id)
			}
		}
	}
	return nil
}
