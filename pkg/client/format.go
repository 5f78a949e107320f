package client

import (
	"fmt"
	"strconv"
	"strings"
)

// User is one entry of a user list
type User struct {
	ID   uint64
	Name string
}

// RoomEntry is one entry of a room list
type RoomEntry struct {
	ID      uint64
	Name    string
	Members int
}

// ParseUserList reads "<n> USERS" followed by "# <id> <name>" lines.
// Unparseable entry lines are skipped.
func ParseUserList(text string) ([]User, error) {
	lines, err := listLines(text, "USERS")
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(lines))
	for _, line := range lines {
		id, rest, ok := parseEntry(line)
		if !ok {
			continue
		}
		users = append(users, User{ID: id, Name: rest})
	}
	return users, nil
}

// ParseRoomList reads "<n> ROOMS" followed by "# <id> <name> (<members>)" lines
func ParseRoomList(text string) ([]RoomEntry, error) {
	lines, err := listLines(text, "ROOMS")
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomEntry, 0, len(lines))
	for _, line := range lines {
		id, rest, ok := parseEntry(line)
		if !ok {
			continue
		}
		room := RoomEntry{ID: id, Name: rest}
		// Room names may themselves contain parentheses; the count is the last group
		if open := strings.LastIndex(rest, " ("); open >= 0 && strings.HasSuffix(rest, ")") {
			if n, err := strconv.Atoi(rest[open+2 : len(rest)-1]); err == nil {
				room.Name = rest[:open]
				room.Members = n
			}
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func listLines(text, noun string) ([]string, error) {
	header, body, _ := strings.Cut(text, "\n")
	count, word, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || word != noun {
		return nil, fmt.Errorf("not a %s list: %q", strings.ToLower(noun), header)
	}
	if _, err := strconv.Atoi(count); err != nil {
		return nil, fmt.Errorf("bad %s count %q", strings.ToLower(noun), count)
	}
	if body == "" {
		return nil, nil
	}
	return strings.Split(body, "\n"), nil
}

// parseEntry splits "# <id> <rest>"
func parseEntry(line string) (uint64, string, bool) {
	line, ok := strings.CutPrefix(line, "# ")
	if !ok {
		return 0, "", false
	}
	idText, rest, _ := strings.Cut(line, " ")
	id, err := strconv.ParseUint(idText, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, rest, true
}

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
