package client

import (
	"strings"
	"testing"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want *protocol.Packet
	}{
		{"hello world", protocol.SendAll("hello world")},
		{"  spaced  ", protocol.SendAll("  spaced  ")},
		{"hi\r\n", protocol.SendAll("hi")},
		{"//slash at start", protocol.SendAll("/slash at start")},
		{"/nick alice", protocol.JoinServer("alice")},
		{"/name Alice Smith", protocol.JoinServer("Alice Smith")},
		{"/NICK alice", protocol.JoinServer("alice")},
		{"/msg 2 hello there", protocol.SendUser(2, "hello there")},
		{"/m #2 hi", protocol.SendUser(2, "hi")},
		{"/room 1 hi all", protocol.SendRoom(1, "hi all")},
		{"/r #1 yo", protocol.SendRoom(1, "yo")},
		{"/create dev talk", protocol.CreateRoom("dev talk")},
		{"/join 3", protocol.JoinRoom(3)},
		{"/join #3", protocol.JoinRoom(3)},
		{"/leave 3", protocol.LeaveRoom(3)},
		{"/part 3", protocol.LeaveRoom(3)},
		{"/who 1", protocol.DisplayRoom(1)},
		{"/quit", protocol.LeaveServer()},
		{"/exit", protocol.LeaveServer()},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		line    string
		wantErr error
		usage   string
	}{
		{"", ErrEmptyInput, ""},
		{"   ", ErrEmptyInput, ""},
		{"/dance", ErrUnknownCommand, ""},
		{"/nick", nil, "/nick <name>"},
		{"/msg", nil, "/msg <user id> <text>"},
		{"/msg bob hi", nil, "/msg <user id> <text>"},
		{"/msg 2", nil, "/msg <user id> <text>"},
		{"/msg 2    ", nil, "/msg <user id> <text>"},
		{"/room x hi", nil, "/room <room id> <text>"},
		{"/create", nil, "/create <name>"},
		{"/join lobby", nil, "/join <room id>"},
		{"/join -1", nil, "/join <room id>"},
		{"/leave", nil, "/leave <room id>"},
		{"/who", nil, "/who <room id>"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			p, err := ParseCommand(tt.line)
			require.Error(t, err)
			assert.Nil(t, p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.usage != "" {
				assert.Equal(t, "usage: "+tt.usage, err.Error())
			}
		})
	}
}

func TestParseCommandPacketsAreValid(t *testing.T) {
	for _, h := range Help {
		line := exampleFor(h.Usage)
		p, err := ParseCommand(line)
		require.NoError(t, err, line)
		assert.NoError(t, p.Validate(), line)
	}
}

// exampleFor fills a usage string's placeholders with sample values
func exampleFor(usage string) string {
	return strings.NewReplacer(
		"<user id>", "1",
		"<room id>", "1",
		"<name>", "sample",
		"<text>", "hello",
	).Replace(usage)
}
