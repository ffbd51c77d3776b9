package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Store is the durable per-room mirror. Save replaces the whole sequence for
// a room; Load of an unknown room returns an empty sequence and no error.
type Store interface {
	Load(ctx context.Context, room string) ([]protocol.Message, error)
	Save(ctx context.Context, room string, messages []protocol.Message) error
	Close() error
}

// MirrorKey is the key a room's sequence is stored under.
func MirrorKey(room string) string {
	return "chat-" + room
}

// OpenStore picks a back-end from dsn: redis:// and rediss:// URLs use Redis,
// anything else is a SQLite path (":memory:" included).
func OpenStore(dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return NewRedisStoreFromURL(dsn)
	case dsn == "":
		return nil, fmt.Errorf("open store: empty location")
	default:
		return NewGormStore(dsn)
	}
}

func encodeMessages(messages []protocol.Message) (string, error) {
	if messages == nil {
		messages = []protocol.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encode messages: %w", err)
	}
	return string(data), nil
}

func decodeMessages(payload string) ([]protocol.Message, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}
	var messages []protocol.Message
	if err := json.Unmarshal([]byte(payload), &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}
