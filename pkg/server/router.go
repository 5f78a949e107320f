package server

import (
	"errors"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Delivery summarizes one routing call
type Delivery struct {
	Delivered int
	// Stalled lists sessions whose queues stayed full past the enqueue timeout.
	// Each one has already been stopped, so later sends to it fail at once.
	Stalled []uint64
}

// Router turns one logical packet into per-session enqueues.
// It keeps no state between calls and only reads the registries, so it runs
// on the command processor goroutine.
type Router struct {
	sessions *SessionRegistry
	rooms    *RoomRegistry
	timeout  time.Duration
	metrics  *Metrics
	log      *zerolog.Logger
}

func NewRouter(sessions *SessionRegistry, rooms *RoomRegistry, enqueueTimeout time.Duration, metrics *Metrics, log *zerolog.Logger) *Router {
	return &Router{
		sessions: sessions,
		rooms:    rooms,
		timeout:  enqueueTimeout,
		metrics:  metrics,
		log:      log,
	}
}

// ToAll queues p for every Active session
func (r *Router) ToAll(p *protocol.Packet) Delivery {
	var d Delivery
	for _, s := range r.sessions.Active() {
		r.deliver(s, p, &d)
	}
	r.metrics.RecordBroadcastFanout("all", d.Delivered)
	return d
}

// ToRoom queues p for every member of a room
func (r *Router) ToRoom(roomID uint64, p *protocol.Packet) (Delivery, error) {
	var d Delivery
	room, ok := r.rooms.Get(roomID)
	if !ok {
		return d, ErrRoomNotFound
	}
	for _, id := range room.Members() {
		if s, ok := r.sessions.Get(id); ok {
			r.deliver(s, p, &d)
		}
	}
	r.metrics.RecordBroadcastFanout("room", d.Delivered)
	return d, nil
}

// ToOne queues p for a single session in any state
func (r *Router) ToOne(sessionID uint64, p *protocol.Packet) (Delivery, error) {
	var d Delivery
	s, ok := r.sessions.Get(sessionID)
	if !ok {
		return d, ErrSessionNotFound
	}
	r.deliver(s, p, &d)
	return d, nil
}

func (r *Router) deliver(s *Session, p *protocol.Packet, d *Delivery) {
	err := s.enqueue(p, r.timeout)
	switch {
	case err == nil:
		d.Delivered++
		r.metrics.RecordPacketSent(p.Command.String())
	case errors.Is(err, ErrQueueTimeout):
		r.log.Warn().Uint64("session_id", s.ID).Str("command", p.Command.String()).Msg("outbound queue full")
		s.stop()
		d.Stalled = append(d.Stalled, s.ID)
	default:
		// Session is already closing
	}
}
