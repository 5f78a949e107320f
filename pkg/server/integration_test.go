package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ioTimeout = 3 * time.Second

// startTestServer starts a real server on a random loopback port
func startTestServer(t *testing.T, cfg ServerConfig, opts ...Option) *Server {
	t.Helper()

	srv, err := NewServer(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn net.Conn, p *protocol.Packet) {
	t.Helper()
	require.NoError(t, protocol.WritePacket(conn, p))
}

func read(t *testing.T, conn net.Conn) *protocol.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	p, err := protocol.ReadPacket(conn, protocol.MaxFrameSize)
	require.NoError(t, err)
	return p
}

// readUntil skips packets until one matches
func readUntil(t *testing.T, conn net.Conn, match func(*protocol.Packet) bool) *protocol.Packet {
	t.Helper()
	for {
		p := read(t, conn)
		if match(p) {
			return p
		}
	}
}

func withText(text string) func(*protocol.Packet) bool {
	return func(p *protocol.Packet) bool { return p.Text() == text }
}

func withCommand(cmd protocol.Command) func(*protocol.Packet) bool {
	return func(p *protocol.Packet) bool { return p.Command == cmd }
}

// join connects and joins as name, returning once the join output has arrived
func join(t *testing.T, srv *Server, name string) net.Conn {
	t.Helper()
	conn := dial(t, srv)
	write(t, conn, protocol.JoinServer(name))
	welcome := read(t, conn)
	require.Equal(t, protocol.CmdDisplayToUser, welcome.Command)
	require.True(t, strings.HasPrefix(welcome.Text(), "Welcome "+name), welcome.Text())
	readUntil(t, conn, withCommand(protocol.CmdRoomListUpdate))
	return conn
}

func expectEOF(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ioTimeout)))
	for {
		_, err := protocol.ReadPacket(conn, protocol.MaxFrameSize)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("timed out waiting for the server to close the connection")
		}
		return
	}
}

func snapshot(t *testing.T, srv *Server) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
	defer cancel()
	snap, err := srv.Snapshot(ctx)
	require.NoError(t, err)
	return snap
}

func TestServerJoinAndChat(t *testing.T) {
	srv := startTestServer(t, testConfig())

	alice := dial(t, srv)
	write(t, alice, protocol.JoinServer("alice"))

	welcome := read(t, alice)
	assert.Equal(t, "Welcome alice, your user id # is 1", welcome.Text())
	users := read(t, alice)
	assert.Equal(t, protocol.CmdUserListUpdate, users.Command)
	assert.Equal(t, "1 USERS\n# 1 alice", users.Text())

	bob := join(t, srv, "bob")
	readUntil(t, alice, withText("2 USERS\n# 1 alice\n# 2 bob"))

	write(t, alice, protocol.SendAll("hi"))
	readUntil(t, alice, withText("alice: hi"))
	readUntil(t, bob, withText("alice: hi"))

	write(t, bob, protocol.SendUser(1, "psst"))
	readUntil(t, alice, withText("[private] bob: psst"))
}

func TestServerSeedRoomsAreListed(t *testing.T) {
	cfg := testConfig()
	cfg.SeedRooms = []string{"lobby", "random"}
	srv := startTestServer(t, cfg)

	conn := dial(t, srv)
	write(t, conn, protocol.JoinServer("alice"))
	rooms := readUntil(t, conn, withCommand(protocol.CmdRoomListUpdate))
	assert.Equal(t, "2 ROOMS\n# 1 lobby (0)\n# 2 random (0)", rooms.Text())
}

func TestServerPeerDisconnectCleansUp(t *testing.T) {
	srv := startTestServer(t, testConfig())

	alice := join(t, srv, "alice")
	bob := join(t, srv, "bob")
	carol := join(t, srv, "carol")

	write(t, carol, protocol.CreateRoom("general"))
	readUntil(t, alice, withText("1 ROOMS\n# 1 general (1)"))
	write(t, bob, protocol.JoinRoom(1))
	readUntil(t, alice, withText("1 ROOMS\n# 1 general (2)"))

	// Forcible close by the peer
	require.NoError(t, carol.Close())

	for _, conn := range []net.Conn{alice, bob} {
		readUntil(t, conn, withText("carol has left the server"))
		users := read(t, conn)
		assert.Equal(t, "2 USERS\n# 1 alice\n# 2 bob", users.Text())
		rooms := read(t, conn)
		assert.Equal(t, "1 ROOMS\n# 1 general (1)", rooms.Text())
	}

	snap := snapshot(t, srv)
	require.Len(t, snap.Sessions, 2)
	for _, s := range snap.Sessions {
		assert.NotEqual(t, uint64(3), s.ID)
	}
	assert.Equal(t, []uint64{2}, snap.Rooms[0].Members)
}

func TestServerRefusesWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	srv := startTestServer(t, cfg)

	first := join(t, srv, "first")

	second := dial(t, srv)
	refusal := read(t, second)
	assert.Equal(t, protocol.CmdError, refusal.Command)
	assert.Equal(t, "server full", refusal.Text())
	expectEOF(t, second)

	// The slot frees up once the first session has gone
	write(t, first, protocol.LeaveServer())
	expectEOF(t, first)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", srv.Addr().String())
		if err != nil {
			return false
		}
		defer conn.Close()
		if err := protocol.WritePacket(conn, protocol.JoinServer("third")); err != nil {
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(ioTimeout))
		p, err := protocol.ReadPacket(conn, protocol.MaxFrameSize)
		return err == nil && p.Command == protocol.CmdDisplayToUser
	}, ioTimeout, 20*time.Millisecond)
}

func TestServerProtocolViolationEndsOnlyThatSession(t *testing.T) {
	srv := startTestServer(t, testConfig())

	alice := join(t, srv, "alice")
	mallory := join(t, srv, "mallory")
	readUntil(t, alice, withText("2 USERS\n# 1 alice\n# 2 mallory"))

	// SendAll with a truncated message field
	_, err := mallory.Write([]byte{0, 0, 0, 2, 0x03, 0x00})
	require.NoError(t, err)

	notice := readUntil(t, mallory, withCommand(protocol.CmdError))
	assert.Contains(t, notice.Text(), "protocol error")
	expectEOF(t, mallory)

	readUntil(t, alice, withText("mallory has left the server"))
	write(t, alice, protocol.SendAll("still here"))
	readUntil(t, alice, withText("alice: still here"))
}

func TestServerUnknownTagIsRejectedNotFatal(t *testing.T) {
	srv := startTestServer(t, testConfig())
	alice := join(t, srv, "alice")

	_, err := alice.Write([]byte{0, 0, 0, 2, 0xEE, 0x00})
	require.NoError(t, err)

	notice := readUntil(t, alice, withCommand(protocol.CmdError))
	assert.Equal(t, "unsupported command: UNKNOWN(0xEE)", notice.Text())

	write(t, alice, protocol.SendAll("still here"))
	readUntil(t, alice, withText("alice: still here"))
}

func TestServerConcurrentJoinRoom(t *testing.T) {
	srv := startTestServer(t, testConfig())
	const n = 50

	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = join(t, srv, fmt.Sprintf("user%d", i))
		// Keep every client reading so no one stalls behind the list broadcasts
		require.NoError(t, conns[i].SetReadDeadline(time.Time{}))
		go func(c net.Conn) { _, _ = io.Copy(io.Discard, c) }(conns[i])
	}

	// roomMembers counts the members of the only room, or -1 while there is none
	roomMembers := func() int {
		snap, err := srv.Snapshot(context.Background())
		if err != nil || len(snap.Rooms) != 1 {
			return -1
		}
		return len(snap.Rooms[0].Members)
	}

	write(t, conns[0], protocol.CreateRoom("crowd"))
	require.Eventually(t, func() bool { return roomMembers() == 1 }, ioTimeout, 10*time.Millisecond)
	roomID := snapshot(t, srv).Rooms[0].ID

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			assert.NoError(t, protocol.WritePacket(c, protocol.JoinRoom(roomID)))
			assert.NoError(t, protocol.WritePacket(c, protocol.JoinRoom(roomID)))
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return roomMembers() == n }, ioTimeout, 10*time.Millisecond)

	snap := snapshot(t, srv)
	assert.Len(t, snap.Sessions, n, "no session was dropped")
	assert.Len(t, snap.Rooms[0].Members, n)
}

func TestServerStopSendsClose(t *testing.T) {
	ledger := &mockLedger{}
	srv, err := NewServer(testConfig(), WithLedger(ledger))
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	alice := join(t, srv, "alice")
	lurker := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	readUntil(t, alice, withCommand(protocol.CmdClose))
	expectEOF(t, alice)
	expectEOF(t, lurker)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed after Stop")

	assert.True(t, ledger.closed)
	events := ledger.Events()
	assert.Contains(t, events, ledgerEvent{kind: "opened", sessionID: 1, detail: "tcp"})
	assert.Contains(t, events, ledgerEvent{kind: "joined", sessionID: 1, detail: "alice"})

	// Stop is idempotent
	assert.NoError(t, srv.Stop(ctx))
}

func TestServerStartFailsWhenPortTaken(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig()
	cfg.TCPPort = busy.Addr().(*net.TCPAddr).Port

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	err = srv.Start()
	require.Error(t, err)
	assert.Equal(t, KindFatalStartup, KindOf(err))
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestServerWebSocketIngress(t *testing.T) {
	srv := startTestServer(t, testConfig())
	tcp := join(t, srv, "alice")

	hs := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer hs.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	frame, err := protocol.MarshalPacket(protocol.JoinServer("webby"))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(ioTimeout)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	welcome, _, err := protocol.ParsePacket(data, protocol.MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, "Welcome webby, your user id # is 2", welcome.Text())

	readUntil(t, tcp, withText("2 USERS\n# 1 alice\n# 2 webby"))

	snap := snapshot(t, srv)
	require.Len(t, snap.Sessions, 2)
	assert.Equal(t, "websocket", snap.Sessions[1].Transport)

	// A normal close is an orderly leave
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	readUntil(t, tcp, withText("webby has left the server"))
}

func TestServerLedgerRecordsRun(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerPath = filepath.Join(t.TempDir(), "ledger.db")

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	alice := join(t, srv, "alice")
	write(t, alice, protocol.LeaveServer())
	expectEOF(t, alice)
	join(t, srv, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	db, err := database.Open(cfg.LedgerPath, nil)
	require.NoError(t, err)
	defer db.Close()

	run, err := db.GetRun(srv.RunID())
	require.NoError(t, err)
	assert.NotNil(t, run.StoppedAt)

	records, err := db.ListSessions(srv.RunID())
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NotNil(t, records[0].DisplayName)
	assert.Equal(t, "alice", *records[0].DisplayName)
	require.NotNil(t, records[0].Reason)
	assert.Equal(t, "leave", *records[0].Reason)
	require.NotNil(t, records[1].Reason)
	assert.Equal(t, "shutdown", *records[1].Reason)
}

func TestServerHTTPEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.SeedRooms = []string{"lobby"}
	srv := startTestServer(t, cfg)
	join(t, srv, "alice")

	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "roomchat_sessions_created_total 1")
	assert.Contains(t, string(body), "roomchat_rooms 1")

	resp, err = http.Get(hs.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		RunID    string          `json:"run_id"`
		Sessions []sessionStatus `json:"sessions"`
		Rooms    []roomStatus    `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, srv.RunID(), status.RunID)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "alice", status.Sessions[0].Name)
	assert.Equal(t, "active", status.Sessions[0].State)
	require.Len(t, status.Rooms, 1)
	assert.True(t, status.Rooms[0].Seeded)

	resp2, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServerHTTPListener(t *testing.T) {
	spare, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := spare.Addr().(*net.TCPAddr).Port
	spare.Close()

	cfg := testConfig()
	cfg.HTTPPort = port
	srv := startTestServer(t, cfg)
	require.NotNil(t, srv.HTTPAddr())

	resp, err := http.Get("http://127.0.0.1:" + strconv.Itoa(port) + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
