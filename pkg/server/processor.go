package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aeolun/roomchat/pkg/logger"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/rs/zerolog"
)

const commandQueueSize = 1024

type envelopeKind uint8

const (
	envAttach envelopeKind = iota + 1
	envPacket
	envDetach
	envShutdown
	envQuery
)

// envelope is one unit of work for the command processor
type envelope struct {
	kind      envelopeKind
	session   *Session // envAttach
	sessionID uint64   // envPacket, envDetach
	packet    *protocol.Packet
	cause     error         // envDetach
	reply     chan Snapshot // envQuery
	done      chan struct{} // envShutdown
}

// SessionInfo is a copy of one session's registry entry
type SessionInfo struct {
	ID         uint64
	Name       string
	State      SessionState
	Transport  string
	RemoteAddr string
}

// RoomInfo is a copy of one room's registry entry
type RoomInfo struct {
	ID      uint64
	Name    string
	Seeded  bool
	Members []uint64
}

// Snapshot is a consistent copy of both registries
type Snapshot struct {
	Sessions      []SessionInfo
	Rooms         []RoomInfo
	LastSessionID uint64
	LastRoomID    uint64
}

// Processor consumes every session's packets from one queue and is the only
// goroutine that mutates the session and room registries. Commands are applied
// in the order they were enqueued.
type Processor struct {
	cfg      ServerConfig
	sessions *SessionRegistry
	rooms    *RoomRegistry
	router   *Router
	metrics  *Metrics
	ledger   Ledger
	log      *zerolog.Logger

	queue chan envelope
	done  chan struct{}

	// Owned by the processor goroutine
	stopping bool
	stalled  []uint64
}

func NewProcessor(cfg ServerConfig, sessions *SessionRegistry, rooms *RoomRegistry, metrics *Metrics, ledger Ledger, log *zerolog.Logger) *Processor {
	log = logger.OrNop(log)
	if ledger == nil {
		ledger = nopLedger{}
	}
	return &Processor{
		cfg:      cfg,
		sessions: sessions,
		rooms:    rooms,
		router:   NewRouter(sessions, rooms, cfg.EnqueueTimeout, metrics, log),
		metrics:  metrics,
		ledger:   ledger,
		log:      log,
		queue:    make(chan envelope, commandQueueSize),
		done:     make(chan struct{}),
	}
}

// Run processes queued work until ctx is cancelled, then drains what is left
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)
	p.log.Debug().Msg("command processor started")

	for {
		select {
		case env := <-p.queue:
			p.process(env)
		case <-ctx.Done():
			p.drain()
			p.log.Debug().Msg("command processor stopped")
			return
		}
	}
}

// Done is closed once Run has returned
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) drain() {
	for {
		select {
		case env := <-p.queue:
			p.process(env)
		default:
			return
		}
	}
}

// submit enqueues work, blocking while the queue is full. It reports false
// once the processor has stopped.
func (p *Processor) submit(env envelope) bool {
	select {
	case p.queue <- env:
		return true
	case <-p.done:
		return false
	}
}

// Query returns a snapshot of the registries taken between two commands
func (p *Processor) Query(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !p.submit(envelope{kind: envQuery, reply: reply}) {
		return Snapshot{}, ErrServerClosed
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-p.done:
		return Snapshot{}, ErrServerClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Shutdown tells every Active session the server is closing and stops all
// sessions. Later attaches are refused and later commands ignored.
func (p *Processor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if !p.submit(envelope{kind: envShutdown, done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) process(env envelope) {
	start := time.Now()

	p.handle(env)
	p.disconnectStalled()

	p.metrics.RecordCommandDuration(time.Since(start))
	p.metrics.RecordQueueDepth(len(p.queue))
}

func (p *Processor) handle(env envelope) {
	switch env.kind {
	case envAttach:
		p.attach(env.session)
	case envPacket:
		p.dispatch(env.sessionID, env.packet)
	case envDetach:
		p.disconnect(env.sessionID, env.cause)
	case envShutdown:
		p.shutdown()
		close(env.done)
	case envQuery:
		env.reply <- p.snapshot()
	}
}

func (p *Processor) attach(s *Session) {
	if p.stopping {
		s.stop()
		return
	}

	p.sessions.Add(s)
	p.metrics.RecordSessionCreated()
	p.metrics.RecordActiveSessions(p.sessions.Len())
	p.ledger.SessionOpened(s.ID, s.Transport, s.RemoteAddr)

	p.log.Info().
		Uint64("session_id", s.ID).
		Str("remote", s.RemoteAddr).
		Str("transport", s.Transport).
		Msg("session registered")
}

func (p *Processor) dispatch(sessionID uint64, pkt *protocol.Packet) {
	s, ok := p.sessions.Get(sessionID)
	if !ok {
		// Removed while this packet was queued
		p.log.Debug().Uint64("session_id", sessionID).Str("command", pkt.Command.String()).Msg("dropping packet from unregistered session")
		return
	}
	if pkt.Command.Known() {
		p.metrics.RecordCommand(pkt.Command.String())
	} else {
		p.metrics.RecordCommand("UNKNOWN")
	}

	if pkt.Command == protocol.CmdLeaveServer {
		p.disconnect(sessionID, nil)
		return
	}
	if p.stopping {
		return
	}

	var err error
	switch {
	case !pkt.Command.IsClientCommand():
		err = stateErrorf(ErrUnsupportedCommand, "%s", pkt.Command)
	case pkt.Command == protocol.CmdJoinServer:
		err = p.joinServer(s, pkt.Text())
	case !s.joined:
		err = stateError(ErrNotJoined)
	default:
		err = p.command(s, pkt)
	}

	if err != nil {
		p.reject(s, pkt, err)
	}
}

func (p *Processor) command(s *Session, pkt *protocol.Packet) error {
	switch pkt.Command {
	case protocol.CmdSendAll:
		return p.sendAll(s, pkt.Text())
	case protocol.CmdSendUser:
		return p.sendUser(s, pkt.Target(), pkt.Text())
	case protocol.CmdSendRoom:
		return p.sendRoom(s, pkt.Target(), pkt.Text())
	case protocol.CmdCreateRoom:
		return p.createRoom(s, pkt.Text())
	case protocol.CmdJoinRoom:
		return p.joinRoom(s, pkt.Target())
	case protocol.CmdLeaveRoom:
		return p.leaveRoom(s, pkt.Target())
	case protocol.CmdDisplayRoom:
		return p.displayRoom(s, pkt.Target())
	default:
		return stateErrorf(ErrUnsupportedCommand, "%s", pkt.Command)
	}
}

// reject reports a state error to the sender. Nothing else changes.
func (p *Processor) reject(s *Session, pkt *protocol.Packet, err error) {
	p.log.Debug().Uint64("session_id", s.ID).Str("command", pkt.Command.String()).Err(err).Msg("command rejected")
	p.toOne(s.ID, protocol.Error(err.Error()))
}

func (p *Processor) joinServer(s *Session, raw string) error {
	if s.joined || s.Name() != "" {
		return stateError(ErrAlreadyJoined)
	}
	name, err := p.validateName(raw, "display name")
	if err != nil {
		return err
	}
	if !s.setName(name) {
		return stateError(ErrAlreadyJoined)
	}
	if !s.activate() {
		// Session began closing while the command was queued
		return nil
	}
	s.joined = true

	p.log.Info().Uint64("session_id", s.ID).Str("name", name).Msg("session joined")
	p.ledger.SessionJoined(s.ID, name)

	p.toOne(s.ID, protocol.DisplayToUser(fmt.Sprintf("Welcome %s, your user id # is %d", name, s.ID)))
	p.broadcastUserList()
	p.broadcastRoomList()
	return nil
}

func (p *Processor) sendAll(s *Session, msg string) error {
	if err := p.validateMessage(msg); err != nil {
		return err
	}
	p.toAll(protocol.DisplayToUser(s.Name() + ": " + msg))
	return nil
}

func (p *Processor) sendUser(s *Session, targetID uint64, msg string) error {
	if err := p.validateMessage(msg); err != nil {
		return err
	}
	target, ok := p.sessions.Get(targetID)
	if !ok || !target.joined {
		return stateErrorf(ErrSessionNotFound, "#%d", targetID)
	}
	p.toOne(targetID, protocol.DisplayToUser("[private] "+s.Name()+": "+msg))
	return nil
}

func (p *Processor) sendRoom(s *Session, roomID uint64, msg string) error {
	if err := p.validateMessage(msg); err != nil {
		return err
	}
	room, ok := p.rooms.Get(roomID)
	if !ok {
		return stateErrorf(ErrRoomNotFound, "#%d", roomID)
	}
	d, _ := p.router.ToRoom(room.ID, protocol.DisplayToUser("["+room.Name+"] "+s.Name()+": "+msg))
	p.note(d)
	return nil
}

func (p *Processor) createRoom(s *Session, raw string) error {
	name, err := p.validateName(raw, "room name")
	if err != nil {
		return err
	}

	room := p.rooms.Create(name, false)
	room.AddMember(s.ID)
	p.metrics.RecordRooms(p.rooms.Len())
	p.log.Info().Uint64("room_id", room.ID).Str("room", name).Uint64("session_id", s.ID).Msg("room created")

	p.broadcastRoomList()
	return nil
}

func (p *Processor) joinRoom(s *Session, roomID uint64) error {
	room, ok := p.rooms.Get(roomID)
	if !ok {
		return stateErrorf(ErrRoomNotFound, "#%d", roomID)
	}
	if room.AddMember(s.ID) {
		p.broadcastRoomList()
	}
	return nil
}

func (p *Processor) leaveRoom(s *Session, roomID uint64) error {
	room, ok := p.rooms.Get(roomID)
	if !ok {
		return stateErrorf(ErrRoomNotFound, "#%d", roomID)
	}
	if room.RemoveMember(s.ID) {
		p.pruneRoom(room)
		p.broadcastRoomList()
	}
	return nil
}

func (p *Processor) displayRoom(s *Session, roomID uint64) error {
	room, ok := p.rooms.Get(roomID)
	if !ok {
		return stateErrorf(ErrRoomNotFound, "#%d", roomID)
	}
	p.toOne(s.ID, protocol.DisplayToUser(fitMessage(formatRoomRoster(room, p.sessions))))
	return nil
}

// disconnect removes a session from both registries and stops it. cause is
// nil for an orderly LeaveServer. Unknown ids are ignored, so repeated
// disconnects of one session are harmless.
func (p *Processor) disconnect(sessionID uint64, cause error) {
	s, ok := p.sessions.Remove(sessionID)
	if !ok {
		return
	}
	wasActive := s.joined
	name := s.Name()
	s.stop()

	for _, room := range p.rooms.RemoveMemberEverywhere(sessionID) {
		p.pruneRoom(room)
	}

	reason := disconnectReason(cause)
	if p.stopping {
		reason = "shutdown"
	}
	ev := p.log.Info()
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Uint64("session_id", sessionID).Str("name", name).Str("reason", reason).Msg("session removed")

	p.metrics.RecordSessionDisconnected(reason)
	p.metrics.RecordActiveSessions(p.sessions.Len())
	p.metrics.RecordRooms(p.rooms.Len())
	p.ledger.SessionClosed(sessionID, reason)

	if p.stopping || !wasActive {
		return
	}
	p.toAll(protocol.DisplayToUser(name + " has left the server"))
	p.broadcastUserList()
	p.broadcastRoomList()
}

func disconnectReason(cause error) string {
	switch {
	case cause == nil:
		return "leave"
	case errors.Is(cause, ErrQueueTimeout):
		return "slow_consumer"
	case errors.Is(cause, ErrServerClosed):
		return "shutdown"
	default:
		return KindOf(cause).String()
	}
}

// pruneRoom deletes an emptied room when configured to. Seed rooms always stay.
func (p *Processor) pruneRoom(room *Room) {
	if !p.cfg.DeleteEmptyRooms || room.Seeded || room.Len() > 0 {
		return
	}
	p.rooms.Remove(room.ID)
	p.metrics.RecordRooms(p.rooms.Len())
	p.log.Info().Uint64("room_id", room.ID).Str("room", room.Name).Msg("empty room deleted")
}

func (p *Processor) shutdown() {
	p.stopping = true
	for _, s := range p.sessions.All() {
		if s.State() == StateActive {
			// Stalled sessions are closing anyway; their queue state no longer matters
			_, _ = p.router.ToOne(s.ID, protocol.Close())
		}
		s.stop()
	}
	p.log.Info().Int("sessions", p.sessions.Len()).Msg("shutdown broadcast sent")
}

func (p *Processor) disconnectStalled() {
	for len(p.stalled) > 0 {
		id := p.stalled[0]
		p.stalled = p.stalled[1:]
		if _, ok := p.sessions.Get(id); !ok {
			continue
		}
		p.metrics.RecordSlowConsumer()
		p.disconnect(id, &Error{Kind: KindConnection, Op: "enqueue", Err: ErrQueueTimeout})
	}
}

func (p *Processor) snapshot() Snapshot {
	snap := Snapshot{
		LastSessionID: p.sessions.ids.Last(),
		LastRoomID:    p.rooms.ids.Last(),
	}
	for _, s := range p.sessions.All() {
		snap.Sessions = append(snap.Sessions, SessionInfo{
			ID:         s.ID,
			Name:       s.Name(),
			State:      s.State(),
			Transport:  s.Transport,
			RemoteAddr: s.RemoteAddr,
		})
	}
	for _, room := range p.rooms.All() {
		snap.Rooms = append(snap.Rooms, RoomInfo{
			ID:      room.ID,
			Name:    room.Name,
			Seeded:  room.Seeded,
			Members: room.Members(),
		})
	}
	return snap
}

func (p *Processor) broadcastUserList() {
	p.toAll(protocol.UserListUpdate(fitMessage(formatUserList(p.sessions.Active()))))
}

func (p *Processor) broadcastRoomList() {
	p.toAll(protocol.RoomListUpdate(fitMessage(formatRoomList(p.rooms.All()))))
}

func (p *Processor) toAll(pkt *protocol.Packet) {
	p.note(p.router.ToAll(pkt))
}

func (p *Processor) toOne(sessionID uint64, pkt *protocol.Packet) {
	d, _ := p.router.ToOne(sessionID, pkt)
	p.note(d)
}

func (p *Processor) note(d Delivery) {
	p.stalled = append(p.stalled, d.Stalled...)
}

func (p *Processor) validateName(raw, what string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", stateErrorf(ErrInvalidName, "%s is empty", what)
	case utf8.RuneCountInString(name) > p.cfg.MaxNameLength:
		return "", stateErrorf(ErrInvalidName, "%s longer than %d characters", what, p.cfg.MaxNameLength)
	case strings.ContainsAny(name, "\r\n"):
		return "", stateErrorf(ErrInvalidName, "%s contains a line break", what)
	}
	return name, nil
}

func (p *Processor) validateMessage(msg string) error {
	switch {
	case strings.TrimSpace(msg) == "":
		return stateErrorf(ErrInvalidMessage, "message is empty")
	case len(msg) > p.cfg.MaxMessageLength:
		return stateErrorf(ErrInvalidMessage, "message longer than %d bytes", p.cfg.MaxMessageLength)
	}
	return nil
}

// fitMessage trims text to the wire string limit, cutting at a line boundary
func fitMessage(text string) string {
	const ellipsis = "\n..."
	if len(text) <= protocol.MaxStringLength {
		return text
	}
	cut := protocol.MaxStringLength - len(ellipsis)
	if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
		cut = nl
	}
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + ellipsis
}
