// Package chatlog keeps the client-side view of a room: an ordered,
// de-duplicated message sequence mirrored to a durable store on every change.
//
// A Log reconciles messages the user sent optimistically with the server's
// echo of those same messages. Two messages are the same when author and
// client timestamp match, whatever path they arrived by.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// ErrNotLoaded is returned by operations on a Log that has no room.
var ErrNotLoaded = errors.New("chatlog: room log not loaded")

// Emitter sends an event to the relay.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, event string, payload any) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event string, payload any) error {
	return f(ctx, event, payload)
}

// Options configures a Log.
type Options struct {
	// Emitter receives send_msg for every local append. Nil disables sending.
	Emitter Emitter
	// Stamps assigns client timestamps. Nil uses NewStamper(nil).
	Stamps StampSource
	// OnChange runs after each mutation with the resulting sequence. It is
	// where the display refreshes and scrolls to the newest message.
	OnChange func(room string, messages []protocol.Message)
}

// Log is the loaded message log of one room. All mutations go through a
// single mutex, so a local send and an inbound message always apply in some
// total order and neither overwrites the other.
type Log struct {
	mu       sync.Mutex
	room     string
	store    Store
	messages []protocol.Message
	seen     map[protocol.Key]struct{}
	version  uint64

	emitter  Emitter
	stamps   StampSource
	onChange func(string, []protocol.Message)

	notifyMu sync.Mutex
	notified uint64
}

// Open loads the mirror for room and returns the Loaded log. A room with no
// mirror entry yields an empty log.
func Open(ctx context.Context, store Store, room string, opts Options) (*Log, error) {
	if room == "" {
		return nil, ErrNotLoaded
	}

	stored, err := store.Load(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", room, err)
	}

	l := &Log{
		room:     room,
		store:    store,
		seen:     make(map[protocol.Key]struct{}, len(stored)),
		emitter:  opts.Emitter,
		stamps:   opts.Stamps,
		onChange: opts.OnChange,
	}
	if l.stamps == nil {
		l.stamps = NewStamper(nil)
	}

	for _, m := range stored {
		if _, dup := l.seen[m.Key()]; dup {
			continue
		}
		l.seen[m.Key()] = struct{}{}
		l.messages = append(l.messages, m)
	}
	return l, nil
}

// Room returns the room this log belongs to.
func (l *Log) Room() string {
	return l.room
}

// AppendLocal records a message the user just wrote, writes it through to the
// mirror, and then emits it to the relay. The local append never waits for
// or depends on the send.
func (l *Log) AppendLocal(ctx context.Context, author, body string) (protocol.Message, error) {
	msg := protocol.Message{
		RoomID: l.room,
		User:   author,
		Msg:    body,
		Time:   l.stamps.Next(),
	}

	snapshot, version, err := l.apply(ctx, msg)
	if err != nil {
		return msg, err
	}
	if version != 0 {
		l.notify(snapshot, version)
	}

	if l.emitter != nil {
		if err := l.emitter.Emit(ctx, protocol.EventSendMsg, msg); err != nil {
			log.Printf("Send to room %s failed: %v", l.room, err)
		}
	}
	return msg, nil
}

// MergeInbound appends msg unless a message with the same key is already in
// the log. It reports whether the log changed. Applying the same message again
// is a no-op.
func (l *Log) MergeInbound(ctx context.Context, msg protocol.Message) (bool, error) {
	snapshot, version, err := l.apply(ctx, msg)
	if err != nil {
		return false, err
	}
	if version == 0 {
		return false, nil
	}
	l.notify(snapshot, version)
	return true, nil
}

// apply appends msg when its key is new and writes the full sequence through.
// It returns the new snapshot and its version, or version 0 when msg was
// already present. A failed write leaves memory untouched.
func (l *Log) apply(ctx context.Context, msg protocol.Message) ([]protocol.Message, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := msg.Key()
	if _, dup := l.seen[key]; dup {
		return nil, 0, nil
	}

	next := append(l.copyLocked(), msg)
	if err := l.store.Save(ctx, l.room, next); err != nil {
		return nil, 0, fmt.Errorf("write room %s: %w", l.room, err)
	}

	l.messages = next
	l.seen[key] = struct{}{}
	l.version++
	return l.copyLocked(), l.version, nil
}

// Clear removes every message from the room, in memory and in the mirror.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	if err := l.store.Save(ctx, l.room, nil); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("clear room %s: %w", l.room, err)
	}
	l.messages = nil
	l.seen = make(map[protocol.Key]struct{})
	l.version++
	version := l.version
	l.mu.Unlock()

	l.notify(nil, version)
	return nil
}

// Snapshot returns the current ordered sequence for display.
func (l *Log) Snapshot() []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.copyLocked()
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *Log) copyLocked() []protocol.Message {
	out := make([]protocol.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// notify hands snapshot to OnChange unless a newer one was already shown.
func (l *Log) notify(snapshot []protocol.Message, version uint64) {
	if l.onChange == nil {
		return
	}

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if version <= l.notified {
		return
	}
	l.notified = version
	l.onChange(l.room, snapshot)
}
