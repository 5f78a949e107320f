package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/logger"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/rs/zerolog"
)

const (
	defaultTCPPort = "6465"
	defaultWSPort  = "6466"

	dialTimeout    = 10 * time.Second
	outgoingBuffer = 100
	eventBuffer    = 256
)

var (
	ErrClosed       = errors.New("connection closed")
	ErrOutgoingFull = errors.New("outgoing queue full")
)

// Connection is one client session with a server. Packets submitted are
// written in order; everything the server sends arrives on Events.
type Connection struct {
	addr string
	conn net.Conn
	log  *zerolog.Logger

	outgoing chan *protocol.Packet
	events   chan Event

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	shutdown     chan struct{}
	closed       chan struct{} // closed after events is
	shutdownOnce sync.Once
	reasonOnce   sync.Once
	reason       string
	wg           sync.WaitGroup
}

// Option customizes a Connection
type Option func(*Connection)

// WithLogger sets a logger for connection events
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Connection) { c.log = logger.OrNop(l) }
}

// Connect dials addr and starts the connection's read and write loops.
// addr may be host:port, tcp://host:port, ws://host:port[/path] or wss://...
func Connect(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		addr:     dc.display,
		log:      logger.Nop(),
		outgoing: make(chan *protocol.Packet, outgoingBuffer),
		events:   make(chan Event, eventBuffer),
		shutdown: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log.Debug().Str("addr", c.addr).Msg("connecting")
	conn, err := dc.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	c.conn = conn
	c.log.Debug().Str("addr", c.addr).Msg("connected")

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	// events is closed once both loops are done
	go func() {
		c.wg.Wait()
		c.pushFinal(Disconnected{Reason: c.reason})
		close(c.events)
		close(c.closed)
	}()

	return c, nil
}

// pushFinal queues ev without blocking. The loops have exited, so nothing
// else sends on events; when the buffer is full the oldest unread event
// makes room.
func (c *Connection) pushFinal(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

// Submit queues p for sending. It never blocks.
func (c *Connection) Submit(p *protocol.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- p:
		return nil
	case <-c.shutdown:
		return ErrClosed
	default:
		return ErrOutgoingFull
	}
}

// Events delivers what the server sends. The final event is always
// Disconnected, after which the channel is closed.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Close drops the connection without saying goodbye. Use Submit(LeaveServer)
// first for an orderly exit.
func (c *Connection) Close() error {
	c.disconnect("closed by client")
	c.wg.Wait()
	return nil
}

// Addr returns the normalized server address
func (c *Connection) Addr() string {
	return c.addr
}

// BytesSent returns the total bytes sent
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes received
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// disconnect records the first reason given and tears the connection down
func (c *Connection) disconnect(reason string) {
	c.reasonOnce.Do(func() { c.reason = reason })
	c.shutdownOnce.Do(func() {
		close(c.shutdown)
		_ = c.conn.Close()
	})
}

func (c *Connection) readLoop() {
	defer c.wg.Done()

	reader := &countingReader{r: c.conn, counter: &c.bytesReceived}
	for {
		p, err := protocol.ReadPacket(reader, protocol.MaxPacketSize)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.disconnect("connection closed by server")
			case protocol.IsProtocolError(err):
				c.disconnect("protocol error: " + err.Error())
			default:
				c.disconnect("read error: " + err.Error())
			}
			c.log.Debug().Err(err).Msg("read loop ended")
			return
		}

		c.log.Debug().Str("command", p.Command.String()).Msg("RECV")

		if p.Command == protocol.CmdClose {
			c.disconnect("server is shutting down")
			return
		}
		ev := eventFor(p)
		if ev == nil {
			c.log.Warn().Str("command", p.Command.String()).Msg("ignoring unexpected packet from server")
			continue
		}

		select {
		case c.events <- ev:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	writer := &countingWriter{w: c.conn, counter: &c.bytesSent}
	for {
		select {
		case p := <-c.outgoing:
			if err := protocol.WritePacket(writer, p); err != nil {
				c.disconnect("write error: " + err.Error())
				return
			}
			c.log.Debug().Str("command", p.Command.String()).Msg("SEND")

		case <-c.shutdown:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			conn, err := d.DialContext(ctx, "tcp", address)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				_ = tcpConn.SetNoDelay(true)
			}
			return conn, nil
		}

		return &dialConfig{display: address, dial: dial}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWSPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}

		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		target := u.String()
		dial := func(ctx context.Context) (net.Conn, error) {
			conn, err := DialWebSocket(ctx, target)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}

		return &dialConfig{display: target, dial: dial}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
