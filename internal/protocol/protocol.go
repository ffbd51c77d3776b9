// Package protocol defines the named-event envelope and chat message payload
// shared by the relay server and its clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Event names exchanged over the transport.
const (
	EventJoinRoom   = "join_room"
	EventSendMsg    = "send_msg"
	EventReceiveMsg = "receive_msg"
)

// TimeLayout is the client timestamp format carried in Message.Time.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrNoRoom is returned when a payload carries no usable room identifier.
var ErrNoRoom = errors.New("payload has no room id")

// Envelope wraps every frame sent over the WebSocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v as the envelope payload.
func NewEnvelope(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// WrapRaw builds an envelope around an already-encoded payload without
// re-encoding it.
func WrapRaw(event string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// Message is one chat line as it travels between clients. Fields are never
// modified after creation.
type Message struct {
	RoomID string `json:"roomId"`
	User   string `json:"user"`
	Msg    string `json:"msg"`
	Time   string `json:"time"`
}

// Key identifies a message for de-duplication.
type Key struct {
	User string
	Time string
}

// Key returns the de-duplication key of m.
func (m Message) Key() Key {
	return Key{User: m.User, Time: m.Time}
}

// UnmarshalJSON accepts a numeric roomId as well as a string one.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		RoomID json.RawMessage `json:"roomId"`
		User   string          `json:"user"`
		Msg    string          `json:"msg"`
		Time   string          `json:"time"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	room := ""
	if len(wire.RoomID) > 0 {
		key, err := RoomKey(wire.RoomID)
		if err != nil && !errors.Is(err, ErrNoRoom) {
			return err
		}
		room = key
	}
	*m = Message{RoomID: room, User: wire.User, Msg: wire.Msg, Time: wire.Time}
	return nil
}

// RoomKey normalises a raw JSON room identifier to the string used for
// membership lookups. Strings and numbers are accepted, so "7" and 7 name the
// same room.
func RoomKey(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", ErrNoRoom
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode room id: %w", err)
		}
		if s == "" {
			return "", ErrNoRoom
		}
		return s, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("room id must be a string or number: %w", err)
		}
		return canonicalNumber(n)
	}
}

// canonicalNumber formats a JSON number by its value, so numerically equal
// ids such as 7, 7.0 and 7e0 all name room "7".
func canonicalNumber(n json.Number) (string, error) {
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return "", fmt.Errorf("room id %s out of range: %w", n, err)
	}
	if f == 0 {
		return "0", nil
	}
	if math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

// PeekRoom extracts the room key from a send_msg payload. Nothing else in the
// payload is validated.
func PeekRoom(payload json.RawMessage) (string, error) {
	var probe struct {
		RoomID json.RawMessage `json:"roomId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	return RoomKey(probe.RoomID)
}
