package server

import (
	"net/http"

	"github.com/aeolun/roomchat/pkg/wsconn"
	"github.com/gorilla/websocket"
)

func newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Terminal and script clients send no Origin header worth checking
		CheckOrigin: func(r *http.Request) bool { return true },
	}
}

// HandleWebSocket upgrades the request and admits the connection through the
// same path as a TCP accept
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.acceptor == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	// Bound a single message to one maximum frame plus its prefix
	ws.SetReadLimit(int64(s.config.MaxFrameSize) + 4)

	if err := s.acceptor.Admit(wsconn.New(ws), "websocket"); err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket connection not admitted")
	}
}
