// Package server defines shared identity and event types plus utility helpers
// that are reused across client and hub logic.
package server

import (
	"strings"

	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/google/uuid"
)

// ConnID is the identity the server assigns to a transport session. It lives
// as long as the WebSocket connection does.
type ConnID string

func newConnID() ConnID {
	return ConnID(uuid.NewString())
}

// inboundEvent is a decoded envelope tagged with the connection it came from.
type inboundEvent struct {
	client   *Client
	envelope protocol.Envelope
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
