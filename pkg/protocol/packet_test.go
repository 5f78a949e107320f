package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allVariants() map[string]*Packet {
	maxMsg := strings.Repeat("x", MaxStringLength)
	return map[string]*Packet{
		"join server":             JoinServer("alice"),
		"join server empty name":  JoinServer(""),
		"leave server":            LeaveServer(),
		"send all":                SendAll("hi"),
		"send all empty":          SendAll(""),
		"send all max length":     SendAll(maxMsg),
		"send user":               SendUser(2, "psst"),
		"send user max id":        SendUser(^uint64(0), "edge"),
		"send room":               SendRoom(7, "hello room"),
		"send room max length":    SendRoom(1, maxMsg),
		"create room":             CreateRoom("general"),
		"join room":               JoinRoom(3),
		"leave room":              LeaveRoom(3),
		"display room":            DisplayRoom(0),
		"display to user":         DisplayToUser("Welcome alice, your user id # is 1"),
		"display to user unicode": DisplayToUser("héllo wörld ✓"),
		"user list":               UserListUpdate("1 USERS\n# 1 alice"),
		"room list":               RoomListUpdate("0 ROOMS"),
		"error":                   Error("room not found"),
		"close":                   Close(),
	}
}

func TestPacketRoundTripAllVariants(t *testing.T) {
	for name, pkt := range allVariants() {
		t.Run(name, func(t *testing.T) {
			encoded, err := MarshalPacket(pkt)
			require.NoError(t, err)

			decoded, err := ReadPacket(bytes.NewReader(encoded), 0)
			require.NoError(t, err)
			assert.Equal(t, pkt, decoded)

			// decode then re-encode reproduces the exact bytes
			reencoded, err := MarshalPacket(decoded)
			require.NoError(t, err)
			assert.Equal(t, encoded, reencoded)
		})
	}
}

func TestPacketWireLayout(t *testing.T) {
	encoded, err := MarshalPacket(SendUser(2, "hi"))
	require.NoError(t, err)

	want := []byte{
		0x00, 0x00, 0x00, 0x0D, // length: tag + 8 + 2 + 2
		0x04,                                           // SEND_USER
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, // target id
		0x00, 0x02, 'h', 'i', // message
	}
	assert.Equal(t, want, encoded)
}

func TestUnusedFieldsAreAbsent(t *testing.T) {
	decoded, err := ReadPacket(bytes.NewReader(mustMarshal(t, JoinRoom(5))), 0)
	require.NoError(t, err)
	assert.NotNil(t, decoded.TargetID)
	assert.Nil(t, decoded.Message)

	decoded, err = ReadPacket(bytes.NewReader(mustMarshal(t, SendAll(""))), 0)
	require.NoError(t, err)
	assert.Nil(t, decoded.TargetID)
	require.NotNil(t, decoded.Message)
	assert.Equal(t, "", *decoded.Message)
}

func TestPacketValidate(t *testing.T) {
	id := uint64(1)
	msg := "x"

	tests := []struct {
		name string
		pkt  *Packet
		want error
	}{
		{"unknown tag", &Packet{Command: 0x42}, ErrUnknownCommand},
		{"missing target", &Packet{Command: CmdJoinRoom}, ErrMissingField},
		{"missing message", &Packet{Command: CmdSendAll}, ErrMissingField},
		{"unexpected target", &Packet{Command: CmdSendAll, TargetID: &id, Message: &msg}, ErrUnexpectedField},
		{"unexpected message", &Packet{Command: CmdClose, Message: &msg}, ErrUnexpectedField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pkt.Validate()
			assert.ErrorIs(t, err, tt.want)

			_, err = MarshalPacket(tt.pkt)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodePacketErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  error
	}{
		{"unknown tag", Frame{Type: 0x42}, ErrUnknownCommand},
		{"truncated target", Frame{Type: uint8(CmdJoinRoom), Payload: []byte{0x00, 0x01}}, ErrTruncatedField},
		{"truncated message", Frame{Type: uint8(CmdSendAll), Payload: []byte{0x00, 0x05, 'h'}}, ErrTruncatedField},
		{"missing message length", Frame{Type: uint8(CmdSendAll)}, ErrTruncatedField},
		{"trailing bytes", Frame{Type: uint8(CmdLeaveServer), Payload: []byte{0x01}}, ErrTrailingBytes},
		{"invalid utf8", Frame{Type: uint8(CmdSendAll), Payload: []byte{0x00, 0x01, 0xff}}, ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket(&tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsProtocolError(err))
		})
	}
}

func TestParsePacketIncremental(t *testing.T) {
	encoded := mustMarshal(t, SendRoom(4, "incremental"))

	var buf []byte
	for i, b := range encoded {
		buf = append(buf, b)
		pkt, n, err := ParsePacket(buf, 0)
		require.NoError(t, err)

		if i < len(encoded)-1 {
			assert.Nil(t, pkt)
			continue
		}
		require.NotNil(t, pkt)
		assert.Equal(t, len(encoded), n)
		assert.Equal(t, SendRoom(4, "incremental"), pkt)
	}
}

func TestCommandClassification(t *testing.T) {
	for _, c := range Commands() {
		assert.True(t, c.Known())
		assert.NotContains(t, c.String(), "UNKNOWN")
	}

	assert.True(t, CmdJoinServer.IsClientCommand())
	assert.True(t, CmdDisplayRoom.IsClientCommand())
	assert.False(t, CmdDisplayToUser.IsClientCommand())
	assert.False(t, CmdClose.IsClientCommand())
	assert.False(t, Command(0x42).Known())
	assert.Equal(t, "UNKNOWN(0x42)", Command(0x42).String())
	assert.Len(t, Commands(), 14)
}

func TestMaxPacketSizeFitsLargestPacket(t *testing.T) {
	largest := SendUser(^uint64(0), strings.Repeat("x", MaxStringLength))
	encoded := mustMarshal(t, largest)
	assert.Len(t, encoded, 4+MaxPacketSize)

	got, err := ReadPacket(bytes.NewReader(encoded), MaxPacketSize)
	require.NoError(t, err)
	assert.Equal(t, largest, got)

	// One byte past the largest packet is refused before the body is read
	oversized := []byte{0, 0, 0, 0, uint8(CmdSendAll)}
	binary.BigEndian.PutUint32(oversized, MaxPacketSize+1)
	_, err = ReadPacket(bytes.NewReader(oversized), MaxPacketSize)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func mustMarshal(t *testing.T, p *Packet) []byte {
	t.Helper()
	b, err := MarshalPacket(p)
	require.NoError(t, err)
	return b
}
