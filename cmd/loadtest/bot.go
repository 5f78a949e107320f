package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/rs/zerolog"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

const (
	setupTimeout = 5 * time.Second
	echoTimeout  = 10 * time.Second
)

var errDisconnected = errors.New("disconnected")

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	// Detailed failure tracking
	postFailures   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64

	messagesSeen  atomic.Int64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure() {
	s.messagesFailed.Add(1)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
	s.postFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// BotClient is one simulated user
type BotClient struct {
	id       int
	nickname string
	conn     *client.Connection
	stats    *Stats
	log      *zerolog.Logger

	roomID   uint64
	roomName string
	seq      int
}

// NewBotClient connects a bot to serverAddr
func NewBotClient(ctx context.Context, id int, serverAddr string, stats *Stats, log *zerolog.Logger) (*BotClient, error) {
	conn, err := client.Connect(ctx, serverAddr, client.WithLogger(log))
	if err != nil {
		stats.recordConnectionError()
		return nil, err
	}

	return &BotClient{
		id:       id,
		nickname: fmt.Sprintf("bot%04d", id),
		conn:     conn,
		stats:    stats,
		log:      log,
	}, nil
}

// Setup joins the server and, when any room exists, a random room
func (bc *BotClient) Setup() error {
	if err := bc.conn.Submit(protocol.JoinServer(bc.nickname)); err != nil {
		return err
	}

	// Welcome, user list, then room list
	var rooms []client.RoomEntry
	err := bc.waitFor(setupTimeout, func(ev client.Event) (bool, error) {
		switch ev := ev.(type) {
		case client.ErrorReceived:
			return false, fmt.Errorf("join rejected: %s", ev.Message)
		case client.RoomListChanged:
			rooms = ev.Rooms
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	if len(rooms) == 0 {
		return nil
	}
	room := rooms[rand.Intn(len(rooms))]
	bc.roomID = room.ID
	bc.roomName = room.Name
	return bc.conn.Submit(protocol.JoinRoom(room.ID))
}

// PostRandomMessage sends one message and waits for the server to echo it
// back, timing the round trip
func (bc *BotClient) PostRandomMessage() error {
	bc.seq++

	// Generate random message content (5-20 words)
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	words = append(words, fmt.Sprintf("#%d", bc.seq))
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	content := strings.Join(words, " ")

	// Half the traffic goes to the bot's room when it has one
	p := protocol.SendAll(content)
	want := bc.nickname + ": " + content
	if bc.roomID != 0 && rand.Intn(2) == 0 {
		p = protocol.SendRoom(bc.roomID, content)
		want = "[" + bc.roomName + "] " + want
	}

	start := time.Now()
	if err := bc.conn.Submit(p); err != nil {
		if errors.Is(err, client.ErrClosed) {
			bc.stats.recordDisconnection()
		} else {
			bc.stats.recordFailure()
		}
		return err
	}

	err := bc.waitFor(echoTimeout, func(ev client.Event) (bool, error) {
		switch ev := ev.(type) {
		case client.MessageReceived:
			return ev.Text == want, nil
		case client.ErrorReceived:
			return false, fmt.Errorf("post rejected: %s", ev.Message)
		}
		return false, nil
	})
	switch {
	case err == nil:
		bc.stats.recordSuccess(time.Since(start).Microseconds())
	case errors.Is(err, errDisconnected):
		bc.stats.recordDisconnection()
	case errors.Is(err, context.DeadlineExceeded):
		bc.stats.recordTimeout()
	default:
		bc.stats.recordPostFailure()
	}
	return err
}

// waitFor consumes events until match reports done or an error
func (bc *BotClient) waitFor(timeout time.Duration, match func(client.Event) (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-bc.conn.Events():
			if !ok {
				return errDisconnected
			}
			if d, isDisconnect := ev.(client.Disconnected); isDisconnect {
				return fmt.Errorf("%w: %s", errDisconnected, d.Reason)
			}
			if _, isMessage := ev.(client.MessageReceived); isMessage {
				bc.stats.messagesSeen.Add(1)
			}
			done, err := match(ev)
			if err != nil || done {
				return err
			}
		case <-deadline.C:
			return context.DeadlineExceeded
		}
	}
}

// Run posts until ctx is done, then leaves the server
func (bc *BotClient) Run(ctx context.Context, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.close()

	for ctx.Err() == nil {
		if err := bc.PostRandomMessage(); err != nil {
			bc.log.Debug().Err(err).Int("bot", bc.id).Msg("post failed")
			if errors.Is(err, errDisconnected) || errors.Is(err, client.ErrClosed) {
				return
			}
		}

		// Random delay between posts
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
	_ = bc.conn.Submit(protocol.LeaveServer())

	// The server closes the connection once it has processed the leave
	_ = bc.waitFor(time.Second, func(client.Event) (bool, error) { return false, nil })
}

func (bc *BotClient) close() {
	bc.conn.Close()
	bc.stats.bytesSent.Add(bc.conn.BytesSent())
	bc.stats.bytesReceived.Add(bc.conn.BytesReceived())
}
