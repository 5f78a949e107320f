package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
)

// Command is the one-byte tag that selects a packet's shape
type Command uint8

// Client → Server commands
const (
	CmdJoinServer  Command = 0x01
	CmdLeaveServer Command = 0x02
	CmdSendAll     Command = 0x03
	CmdSendUser    Command = 0x04
	CmdSendRoom    Command = 0x05
	CmdCreateRoom  Command = 0x06
	CmdJoinRoom    Command = 0x07
	CmdLeaveRoom   Command = 0x08
	CmdDisplayRoom Command = 0x09
)

// Server → Client notifications
const (
	CmdDisplayToUser  Command = 0x81
	CmdUserListUpdate Command = 0x82
	CmdRoomListUpdate Command = 0x83
	CmdError          Command = 0x84
	CmdClose          Command = 0x85
)

// MaxPacketSize is the frame length of the largest valid packet: a tag, a
// target id and a full-length message
const MaxPacketSize = 1 + 8 + 2 + MaxStringLength

var (
	ErrUnknownCommand  = errors.New("unknown command tag")
	ErrMissingField    = errors.New("required field missing for command")
	ErrUnexpectedField = errors.New("field not allowed for command")
	ErrTrailingBytes   = errors.New("trailing bytes after packet fields")
	ErrTruncatedField  = errors.New("packet field truncated")
)

type shape struct {
	name       string
	hasTarget  bool
	hasMessage bool
}

var shapes = map[Command]shape{
	CmdJoinServer:     {"JOIN_SERVER", false, true},
	CmdLeaveServer:    {"LEAVE_SERVER", false, false},
	CmdSendAll:        {"SEND_ALL", false, true},
	CmdSendUser:       {"SEND_USER", true, true},
	CmdSendRoom:       {"SEND_ROOM", true, true},
	CmdCreateRoom:     {"CREATE_ROOM", false, true},
	CmdJoinRoom:       {"JOIN_ROOM", true, false},
	CmdLeaveRoom:      {"LEAVE_ROOM", true, false},
	CmdDisplayRoom:    {"DISPLAY_ROOM", true, false},
	CmdDisplayToUser:  {"DISPLAY_TO_USER", false, true},
	CmdUserListUpdate: {"USER_LIST_UPDATE", false, true},
	CmdRoomListUpdate: {"ROOM_LIST_UPDATE", false, true},
	CmdError:          {"ERROR", false, true},
	CmdClose:          {"CLOSE", false, false},
}

// Commands returns every known command tag in ascending order
func Commands() []Command {
	cmds := make([]Command, 0, len(shapes))
	for c := range shapes {
		cmds = append(cmds, c)
	}
	slices.Sort(cmds)
	return cmds
}

// Known reports whether c is part of the protocol
func (c Command) Known() bool {
	_, ok := shapes[c]
	return ok
}

// IsClientCommand reports whether c may be sent by a client
func (c Command) IsClientCommand() bool {
	return c.Known() && c < 0x80
}

func (c Command) String() string {
	if s, ok := shapes[c]; ok {
		return s.name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(c))
}

// Packet is the command envelope exchanged between client and server.
// TargetID and Message are nil unless the command's shape uses them.
type Packet struct {
	Command  Command
	TargetID *uint64
	Message  *string
}

// Target returns the target id, or zero when absent
func (p *Packet) Target() uint64 {
	if p.TargetID == nil {
		return 0
	}
	return *p.TargetID
}

// Text returns the message, or "" when absent
func (p *Packet) Text() string {
	if p.Message == nil {
		return ""
	}
	return *p.Message
}

func (p *Packet) String() string {
	switch {
	case p.TargetID != nil && p.Message != nil:
		return fmt.Sprintf("%s(%d, %q)", p.Command, *p.TargetID, *p.Message)
	case p.TargetID != nil:
		return fmt.Sprintf("%s(%d)", p.Command, *p.TargetID)
	case p.Message != nil:
		return fmt.Sprintf("%s(%q)", p.Command, *p.Message)
	default:
		return p.Command.String()
	}
}

func withMessage(c Command, msg string) *Packet {
	return &Packet{Command: c, Message: &msg}
}

func withTarget(c Command, id uint64) *Packet {
	return &Packet{Command: c, TargetID: &id}
}

func withBoth(c Command, id uint64, msg string) *Packet {
	return &Packet{Command: c, TargetID: &id, Message: &msg}
}

func JoinServer(displayName string) *Packet      { return withMessage(CmdJoinServer, displayName) }
func LeaveServer() *Packet                       { return &Packet{Command: CmdLeaveServer} }
func SendAll(msg string) *Packet                 { return withMessage(CmdSendAll, msg) }
func SendUser(userID uint64, msg string) *Packet { return withBoth(CmdSendUser, userID, msg) }
func SendRoom(roomID uint64, msg string) *Packet { return withBoth(CmdSendRoom, roomID, msg) }
func CreateRoom(name string) *Packet             { return withMessage(CmdCreateRoom, name) }
func JoinRoom(roomID uint64) *Packet             { return withTarget(CmdJoinRoom, roomID) }
func LeaveRoom(roomID uint64) *Packet            { return withTarget(CmdLeaveRoom, roomID) }
func DisplayRoom(roomID uint64) *Packet          { return withTarget(CmdDisplayRoom, roomID) }
func DisplayToUser(msg string) *Packet           { return withMessage(CmdDisplayToUser, msg) }
func UserListUpdate(text string) *Packet         { return withMessage(CmdUserListUpdate, text) }
func RoomListUpdate(text string) *Packet         { return withMessage(CmdRoomListUpdate, text) }
func Error(msg string) *Packet                   { return withMessage(CmdError, msg) }
func Close() *Packet                             { return &Packet{Command: CmdClose} }

// Validate checks that exactly the fields of the command's shape are present
func (p *Packet) Validate() error {
	s, ok := shapes[p.Command]
	if !ok {
		return fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, uint8(p.Command))
	}

	if s.hasTarget != (p.TargetID != nil) {
		if s.hasTarget {
			return fmt.Errorf("%w: %s needs a target id", ErrMissingField, p.Command)
		}
		return fmt.Errorf("%w: %s has no target id", ErrUnexpectedField, p.Command)
	}

	if s.hasMessage != (p.Message != nil) {
		if s.hasMessage {
			return fmt.Errorf("%w: %s needs a message", ErrMissingField, p.Command)
		}
		return fmt.Errorf("%w: %s has no message", ErrUnexpectedField, p.Command)
	}

	return nil
}

// EncodeTo writes the tag-specific fields (not the tag itself)
func (p *Packet) EncodeTo(w io.Writer) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if p.TargetID != nil {
		if err := WriteUint64(w, *p.TargetID); err != nil {
			return err
		}
	}

	if p.Message != nil {
		return WriteString(w, *p.Message)
	}

	return nil
}

// Encode returns the tag-specific fields as a byte slice
func (p *Packet) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := p.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Frame wraps the packet in a frame ready for EncodeFrame
func (p *Packet) Frame() (*Frame, error) {
	payload, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return &Frame{Type: uint8(p.Command), Payload: payload}, nil
}

// DecodePacket interprets a frame according to its tag's shape
func DecodePacket(f *Frame) (*Packet, error) {
	cmd := Command(f.Type)
	s, ok := shapes[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownCommand, f.Type)
	}

	buf := bytes.NewReader(f.Payload)
	p := &Packet{Command: cmd}

	if s.hasTarget {
		id, err := ReadUint64(buf)
		if err != nil {
			return nil, fmt.Errorf("%s target id: %w", cmd, ErrTruncatedField)
		}
		p.TargetID = &id
	}

	if s.hasMessage {
		msg, err := ReadString(buf)
		if err != nil {
			if errors.Is(err, ErrInvalidUTF8) {
				return nil, fmt.Errorf("%s message: %w", cmd, err)
			}
			return nil, fmt.Errorf("%s message: %w", cmd, ErrTruncatedField)
		}
		p.Message = &msg
	}

	if buf.Len() != 0 {
		return nil, fmt.Errorf("%w: %d extra in %s", ErrTrailingBytes, buf.Len(), cmd)
	}

	return p, nil
}

// WritePacket encodes p as a single frame on w
func WritePacket(w io.Writer, p *Packet) error {
	f, err := p.Frame()
	if err != nil {
		return err
	}
	return EncodeFrame(w, f)
}

// ReadPacket blocks until a whole frame is read from r and decodes it
func ReadPacket(r io.Reader, maxSize uint32) (*Packet, error) {
	f, err := DecodeFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return DecodePacket(f)
}

// MarshalPacket returns the complete frame bytes for p
func MarshalPacket(p *Packet) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WritePacket(buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParsePacket decodes a packet from the front of buf without blocking.
// It returns (nil, 0, nil) when more data is needed.
func ParsePacket(buf []byte, maxSize uint32) (*Packet, int, error) {
	f, n, err := ParseFrame(buf, maxSize)
	if err != nil || f == nil {
		return nil, 0, err
	}

	p, err := DecodePacket(f)
	if err != nil {
		return nil, 0, err
	}
	return p, n, nil
}

// IsProtocolError reports whether err describes malformed input rather than an I/O failure
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrInvalidFrameLength) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrTrailingBytes) ||
		errors.Is(err, ErrTruncatedField) ||
		errors.Is(err, ErrInvalidUTF8) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrUnexpectedField)
}
