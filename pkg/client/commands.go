package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	ErrEmptyInput     = errors.New("nothing to send")
	ErrUnknownCommand = errors.New("unknown command")
)

// CommandHelp describes one slash command
type CommandHelp struct {
	Usage       string
	Description string
}

// Help lists the slash commands ParseCommand understands
var Help = []CommandHelp{
	{"/nick <name>", "join the server under a display name"},
	{"/msg <user id> <text>", "send a private message"},
	{"/room <room id> <text>", "send a message to a room"},
	{"/create <name>", "create a room and join it"},
	{"/join <room id>", "join a room"},
	{"/leave <room id>", "leave a room"},
	{"/who <room id>", "list the members of a room"},
	{"/quit", "leave the server"},
}

// ParseCommand turns one line of user input into a packet. Lines not
// starting with "/" are sent to everyone; "//" escapes a leading slash.
func ParseCommand(line string) (*protocol.Packet, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyInput
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.SendAll(line), nil
	}
	if strings.HasPrefix(line, "//") {
		return protocol.SendAll(line[1:]), nil
	}

	name, args, _ := strings.Cut(line[1:], " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(name) {
	case "nick", "name":
		if args == "" {
			return nil, usage("/nick <name>")
		}
		return protocol.JoinServer(args), nil

	case "msg", "m":
		id, text, err := idAndText(args, "/msg <user id> <text>")
		if err != nil {
			return nil, err
		}
		return protocol.SendUser(id, text), nil

	case "room", "r":
		id, text, err := idAndText(args, "/room <room id> <text>")
		if err != nil {
			return nil, err
		}
		return protocol.SendRoom(id, text), nil

	case "create":
		if args == "" {
			return nil, usage("/create <name>")
		}
		return protocol.CreateRoom(args), nil

	case "join":
		id, err := parseID(args, "/join <room id>")
		if err != nil {
			return nil, err
		}
		return protocol.JoinRoom(id), nil

	case "leave", "part":
		id, err := parseID(args, "/leave <room id>")
		if err != nil {
			return nil, err
		}
		return protocol.LeaveRoom(id), nil

	case "who":
		id, err := parseID(args, "/who <room id>")
		if err != nil {
			return nil, err
		}
		return protocol.DisplayRoom(id), nil

	case "quit", "exit":
		return protocol.LeaveServer(), nil

	default:
		return nil, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
}

func usage(u string) error {
	return fmt.Errorf("usage: %s", u)
}

func parseID(arg, u string) (uint64, error) {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "#")
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, usage(u)
	}
	return id, nil
}

func idAndText(args, u string) (uint64, string, error) {
	idText, text, _ := strings.Cut(args, " ")
	id, err := parseID(idText, u)
	if err != nil {
		return 0, "", err
	}
	if strings.TrimSpace(text) == "" {
		return 0, "", usage(u)
	}
	return id, text, nil
}
