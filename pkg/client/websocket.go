package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/aeolun/roomchat/pkg/wsconn"
	"github.com/gorilla/websocket"
)

// DialWebSocket connects to a ws:// or wss:// URL
func DialWebSocket(ctx context.Context, target string) (*wsconn.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		// Improve error message for common TLS/handshake issues
		if strings.Contains(err.Error(), "bad handshake") {
			if strings.HasPrefix(target, "wss://") {
				return nil, fmt.Errorf("TLS handshake failed - server may not support WSS (try ws:// instead): %w", err)
			}
			return nil, fmt.Errorf("handshake failed - is the server's HTTP port serving /ws?: %w", err)
		}
		return nil, err
	}

	return wsconn.New(ws), nil
}
