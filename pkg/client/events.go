package client

import "github.com/aeolun/roomchat/pkg/protocol"

// Event is something the server told this client
type Event interface {
	event()
}

// MessageReceived carries a DisplayToUser text: chat lines, the welcome,
// departure notices and room rosters
type MessageReceived struct {
	Text string
}

// UserListChanged carries the full list of joined users
type UserListChanged struct {
	Users []User
	Raw   string
}

// RoomListChanged carries the full list of rooms
type RoomListChanged struct {
	Rooms []RoomEntry
	Raw   string
}

// ErrorReceived carries an Error notification. The connection stays open
// unless a Disconnected event follows.
type ErrorReceived struct {
	Message string
}

// Disconnected is the last event of every connection
type Disconnected struct {
	Reason string
}

func (MessageReceived) event() {}
func (UserListChanged) event() {}
func (RoomListChanged) event() {}
func (ErrorReceived) event()   {}
func (Disconnected) event()    {}

// eventFor converts a server notification, or returns nil for anything else
func eventFor(p *protocol.Packet) Event {
	switch p.Command {
	case protocol.CmdDisplayToUser:
		return MessageReceived{Text: p.Text()}
	case protocol.CmdUserListUpdate:
		users, _ := ParseUserList(p.Text())
		return UserListChanged{Users: users, Raw: p.Text()}
	case protocol.CmdRoomListUpdate:
		rooms, _ := ParseRoomList(p.Text())
		return RoomListChanged{Rooms: rooms, Raw: p.Text()}
	case protocol.CmdError:
		return ErrorReceived{Message: p.Text()}
	default:
		return nil
	}
}
