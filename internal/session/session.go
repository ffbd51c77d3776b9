// Package session connects a chat client to the relay: it joins rooms, sends
// the user's messages, and merges every receive_msg into the matching room log.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chatlog"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/gorilla/websocket"
)

var (
	// ErrNotReady is returned by Send while the join delay is still running.
	ErrNotReady = errors.New("session: room is still being joined")
	// ErrNoRoom is returned by Send before any room was joined.
	ErrNoRoom = errors.New("session: no active room")
	// ErrClosed is returned after the connection has ended.
	ErrClosed = errors.New("session: connection closed")
)

const writeWait = 10 * time.Second

// Options configures a Session.
type Options struct {
	// Store mirrors every room log. Required.
	Store chatlog.Store
	// User is the author name attached to outgoing messages.
	User string
	// JoinDelay keeps Send disabled for this long after Join.
	JoinDelay time.Duration
	// Header is sent with the WebSocket handshake, e.g. an Origin.
	Header http.Header
	// OnChange is called after any room log changes.
	OnChange func(room string, messages []protocol.Message)
	// Stamps overrides the timestamp source shared by all rooms.
	Stamps chatlog.StampSource
}

// Session is one client connection to the relay.
type Session struct {
	conn *websocket.Conn
	opts Options

	writeMu sync.Mutex

	mu      sync.Mutex
	logs    map[string]*chatlog.Log
	active  *chatlog.Log
	readyAt time.Time

	done      chan struct{}
	closeOnce sync.Once
	readErr   error
}

// Dial connects to the relay at url and starts reading events.
func Dial(ctx context.Context, url string, opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Stamps == nil {
		opts.Stamps = chatlog.NewStamper(nil)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		conn: conn,
		opts: opts,
		logs: make(map[string]*chatlog.Log),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Emit sends one event to the relay.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	frame, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Join loads the log for room, makes it the active room, and asks the relay
// to add this connection to it. Send stays disabled for the join delay.
func (s *Session) Join(ctx context.Context, room string) (*chatlog.Log, error) {
	l, err := s.logFor(ctx, room)
	if err != nil {
		return nil, err
	}

	if err := s.Emit(ctx, protocol.EventJoinRoom, room); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.active = l
	s.readyAt = time.Now().Add(s.opts.JoinDelay)
	s.mu.Unlock()
	return l, nil
}

// Ready reports whether the join delay for the active room has passed.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && !time.Now().Before(s.readyAt)
}

// Active returns the active room log, or nil before the first Join.
func (s *Session) Active() *chatlog.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Send appends body to the active room as the session user and relays it.
func (s *Session) Send(ctx context.Context, body string) (protocol.Message, error) {
	s.mu.Lock()
	active := s.active
	ready := !time.Now().Before(s.readyAt)
	s.mu.Unlock()

	if active == nil {
		return protocol.Message{}, ErrNoRoom
	}
	if !ready {
		return protocol.Message{}, ErrNotReady
	}
	return active.AppendLocal(ctx, s.opts.User, body)
}

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the read loop, if any.
func (s *Session) Err() error {
	<-s.done
	return s.readErr
}

// Close ends the connection and waits for the read loop to exit.
func (s *Session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	err := s.conn.Close()
	<-s.done
	return err
}

// logFor returns the cached log for room, loading it on first use. The
// mirror is read without holding s.mu; if two callers load the same room,
// the first one stored wins.
func (s *Session) logFor(ctx context.Context, room string) (*chatlog.Log, error) {
	s.mu.Lock()
	l, ok := s.logs[room]
	s.mu.Unlock()
	if ok {
		return l, nil
	}

	opened, err := chatlog.Open(ctx, s.opts.Store, room, chatlog.Options{
		Emitter:  s,
		Stamps:   s.opts.Stamps,
		OnChange: s.opts.OnChange,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[room]; ok {
		return l, nil
	}
	s.logs[room] = opened
	return opened, nil
}

func (s *Session) readLoop() {
	defer s.closeOnce.Do(func() { close(s.done) })

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.readErr = err
			}
			return
		}
		s.handleFrame(frame)
	}
}

// handleFrame dispatches each envelope in a frame. The relay batches queued
// envelopes into one frame separated by newlines.
func (s *Session) handleFrame(frame []byte) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	for {
		var env protocol.Envelope
		err := dec.Decode(&env)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("Discarding undecodable frame: %v", err)
			return
		}

		if env.Event != protocol.EventReceiveMsg {
			continue
		}
		s.receive(env.Data)
	}
}

func (s *Session) receive(data json.RawMessage) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Discarding malformed receive_msg: %v", err)
		return
	}
	if msg.RoomID == "" {
		log.Printf("Discarding receive_msg without room from %q", msg.User)
		return
	}

	ctx := context.Background()
	l, err := s.logFor(ctx, msg.RoomID)
	if err != nil {
		log.Printf("Opening log for room %s failed: %v", msg.RoomID, err)
		return
	}
	if _, err := l.MergeInbound(ctx, msg); err != nil {
		log.Printf("Merging message into room %s failed: %v", msg.RoomID, err)
	}
}
