package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// startHub runs a hub for the duration of the test.
func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()

	hub := NewHub(nil, opts...)
	go hub.Run()
	t.Cleanup(func() {
		if err := hub.Shutdown(time.Second); err != nil {
			t.Logf("hub shutdown: %v", err)
		}
	})
	return hub
}

// connect registers a client without a network connection, so its send
// channel can be read directly.
func connect(t *testing.T, hub *Hub) *Client {
	t.Helper()

	client := NewClient(nil, hub, "127.0.0.1:0", *NewConfig())
	if !hub.Register(client) {
		t.Fatal("Register() returned false on a running hub")
	}
	return client
}

func emit(client *Client, event, data string) {
	client.hub.submit(inboundEvent{
		client:   client,
		envelope: protocol.Envelope{Event: event, Data: json.RawMessage(data)},
	})
}

func expectFrame(t *testing.T, client *Client) protocol.Envelope {
	t.Helper()

	select {
	case frame, ok := <-client.send:
		if !ok {
			t.Fatal("send channel closed while waiting for a frame")
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("frame is not an envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return protocol.Envelope{}
}

func expectNoFrame(t *testing.T, client *Client) {
	t.Helper()

	select {
	case frame := <-client.send:
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestNewHub verifies that a hub gets a membership table even when none is
// passed in.
func TestNewHub(t *testing.T) {
	hub := NewHub(nil)
	if hub == nil || hub.Rooms() == nil {
		t.Fatal("NewHub(nil) did not create a membership table")
	}

	table := NewRoomTable()
	if got := NewHub(table).Rooms(); got != table {
		t.Error("NewHub did not keep the supplied table")
	}
}

// TestHubRegisterNilClient verifies that a nil registration is skipped
// without stopping the loop.
func TestHubRegisterNilClient(t *testing.T) {
	hub := startHub(t)

	if !hub.Register(nil) {
		t.Fatal("Register(nil) returned false on a running hub")
	}
	connect(t, hub)
	eventually(t, func() bool { return hub.ClientCount() == 1 })
}

// TestHubRoutesWithinRoom verifies that a message reaches every member of its
// room, the sender included, and nobody else.
func TestHubRoutesWithinRoom(t *testing.T) {
	hub := startHub(t)
	a, b, c := connect(t, hub), connect(t, hub), connect(t, hub)

	emit(a, protocol.EventJoinRoom, `"lobby"`)
	emit(b, protocol.EventJoinRoom, `"lobby"`)
	emit(c, protocol.EventJoinRoom, `"other"`)

	payload := `{"roomId":"lobby","user":"A","msg":"hi","time":"t1"}`
	emit(a, protocol.EventSendMsg, payload)

	for _, member := range []*Client{a, b} {
		env := expectFrame(t, member)
		if env.Event != protocol.EventReceiveMsg {
			t.Errorf("event = %q, want %q", env.Event, protocol.EventReceiveMsg)
		}
		if string(env.Data) != payload {
			t.Errorf("data = %s, want %s", env.Data, payload)
		}
	}
	expectNoFrame(t, c)
}

// TestHubNumericRoomID verifies that numeric and string room ids name the
// same room.
func TestHubNumericRoomID(t *testing.T) {
	hub := startHub(t)
	a, b := connect(t, hub), connect(t, hub)

	emit(a, protocol.EventJoinRoom, `7`)
	emit(b, protocol.EventJoinRoom, `"7"`)
	emit(b, protocol.EventSendMsg, `{"roomId":7,"user":"B","msg":"x","time":"t"}`)

	expectFrame(t, a)
	expectFrame(t, b)

	if got := len(hub.Rooms().MembersOf("7")); got != 2 {
		t.Errorf("room 7 has %d members, want 2", got)
	}
}

// TestHubSendWithoutJoinFromNonMember verifies that a sender outside the room
// still reaches its members but does not get the echo.
func TestHubSendWithoutJoinFromNonMember(t *testing.T) {
	hub := startHub(t)
	member, outsider := connect(t, hub), connect(t, hub)

	emit(member, protocol.EventJoinRoom, `"lobby"`)
	emit(outsider, protocol.EventSendMsg, `{"roomId":"lobby","user":"X","msg":"hi","time":"t"}`)

	expectFrame(t, member)
	expectNoFrame(t, outsider)
}

// TestHubDropsInvalidEvents verifies that malformed payloads and unknown
// events are ignored.
func TestHubDropsInvalidEvents(t *testing.T) {
	hub := startHub(t)
	a := connect(t, hub)

	emit(a, protocol.EventJoinRoom, `{"room":"lobby"}`)
	emit(a, protocol.EventJoinRoom, `"lobby"`)
	emit(a, protocol.EventSendMsg, `{"user":"A","msg":"no room"}`)
	emit(a, protocol.EventSendMsg, `"just a string"`)
	emit(a, "typing", `{"roomId":"lobby"}`)

	expectNoFrame(t, a)
	if rooms := hub.Rooms().RoomsOf(a.ID()); len(rooms) != 1 || rooms[0] != "lobby" {
		t.Errorf("RoomsOf = %v, want [lobby]", rooms)
	}
}

// TestHubMultiRoomMembership verifies that joins accumulate by default.
func TestHubMultiRoomMembership(t *testing.T) {
	hub := startHub(t)
	a := connect(t, hub)

	emit(a, protocol.EventJoinRoom, `"one"`)
	emit(a, protocol.EventJoinRoom, `"two"`)
	emit(a, protocol.EventSendMsg, `{"roomId":"one"}`)
	expectFrame(t, a)

	rooms := hub.Rooms().RoomsOf(a.ID())
	if len(rooms) != 2 {
		t.Errorf("RoomsOf = %v, want [one two]", rooms)
	}
}

// TestHubExclusiveRooms verifies that a join leaves earlier rooms when the hub
// runs in exclusive mode.
func TestHubExclusiveRooms(t *testing.T) {
	hub := startHub(t, WithExclusiveRooms(true))
	a := connect(t, hub)

	emit(a, protocol.EventJoinRoom, `"one"`)
	emit(a, protocol.EventJoinRoom, `"two"`)
	emit(a, protocol.EventSendMsg, `{"roomId":"one"}`)
	expectNoFrame(t, a)

	rooms := hub.Rooms().RoomsOf(a.ID())
	if len(rooms) != 1 || rooms[0] != "two" {
		t.Errorf("RoomsOf = %v, want [two]", rooms)
	}
}

// TestHubUnregisterLeavesRooms verifies that a disconnect removes the client
// from membership and closes its queue.
func TestHubUnregisterLeavesRooms(t *testing.T) {
	hub := startHub(t)
	a, b := connect(t, hub), connect(t, hub)

	emit(a, protocol.EventJoinRoom, `"lobby"`)
	emit(b, protocol.EventJoinRoom, `"lobby"`)
	hub.release(a)

	eventually(t, func() bool { return len(hub.Rooms().MembersOf("lobby")) == 1 })
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}
	if _, ok := <-a.send; ok {
		t.Error("send channel of departed client is still open")
	}

	// Releasing twice is harmless.
	hub.release(a)
	emit(b, protocol.EventSendMsg, `{"roomId":"lobby"}`)
	expectFrame(t, b)
}

// TestHubEvictsSlowClient verifies that a member whose queue is full is
// disconnected while the others still receive the message.
func TestHubEvictsSlowClient(t *testing.T) {
	hub := startHub(t)
	fast, slow := connect(t, hub), connect(t, hub)

	emit(fast, protocol.EventJoinRoom, `"lobby"`)
	emit(slow, protocol.EventJoinRoom, `"lobby"`)
	eventually(t, func() bool { return len(hub.Rooms().MembersOf("lobby")) == 2 })

	for i := 0; i < sendBufferSize; i++ {
		slow.send <- []byte("backlog")
	}

	emit(fast, protocol.EventSendMsg, `{"roomId":"lobby"}`)
	expectFrame(t, fast)

	eventually(t, func() bool { return hub.ClientCount() == 1 })
	if members := hub.Rooms().MembersOf("lobby"); len(members) != 1 || members[0] != fast.ID() {
		t.Errorf("MembersOf(lobby) = %v, want only the fast client", members)
	}
}

// TestHubShutdown verifies that registration fails once the hub has stopped.
func TestHubShutdown(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	if err := hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	client := NewClient(nil, hub, "127.0.0.1:0", *NewConfig())
	if hub.Register(client) {
		t.Error("Register() succeeded after shutdown")
	}
}
