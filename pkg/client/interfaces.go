package client

import (
	"github.com/aeolun/roomchat/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	Submit(p *protocol.Packet) error
	Events() <-chan Event
	Close() error
	Addr() string
}

var _ ConnectionInterface = (*Connection)(nil)
