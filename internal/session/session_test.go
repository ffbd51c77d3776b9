package session

import (
	"context"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/chatlog"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

func newStore(t *testing.T) *chatlog.GormStore {
	t.Helper()

	store, err := chatlog.NewGormStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dial(t *testing.T, url, user string, store chatlog.Store) *Session {
	t.Helper()

	s, err := Dial(context.Background(), url, Options{Store: store, User: user})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func join(t *testing.T, s *Session, room string) *chatlog.Log {
	t.Helper()

	l, err := s.Join(context.Background(), room)
	require.NoError(t, err)
	return l
}

func TestSession_LobbyScenario(t *testing.T) {
	srv, _, url := testhelpers.StartRelay(t, nil)
	rooms := srv.Hub().Rooms()

	storeA, storeB, storeC := newStore(t), newStore(t), newStore(t)
	a := dial(t, url, "A", storeA)
	b := dial(t, url, "B", storeB)
	c := dial(t, url, "C", storeC)

	logA := join(t, a, "lobby")
	logB := join(t, b, "lobby")
	logC := join(t, c, "other")

	testhelpers.WaitFor(t, waitTimeout, func() bool {
		return len(rooms.MembersOf("lobby")) == 2 && len(rooms.MembersOf("other")) == 1
	})

	sent, err := a.Send(context.Background(), "hi")
	require.NoError(t, err)

	testhelpers.WaitFor(t, waitTimeout, func() bool { return logB.Len() == 1 })
	assert.Equal(t, []protocol.Message{sent}, logB.Snapshot())

	// B's reply reaches A after A's own echo, so A's log shows both exactly once.
	reply, err := b.Send(context.Background(), "hey")
	require.NoError(t, err)

	testhelpers.WaitFor(t, waitTimeout, func() bool { return logA.Len() == 2 })
	assert.Equal(t, []protocol.Message{sent, reply}, logA.Snapshot())

	testhelpers.WaitFor(t, waitTimeout, func() bool { return logB.Len() == 2 })
	assert.Equal(t, logA.Snapshot(), logB.Snapshot())

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, logC.Len())

	mirrored, err := storeB.Load(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Equal(t, logB.Snapshot(), mirrored)

	empty, err := storeC.Load(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSession_SendBeforeJoin(t *testing.T) {
	_, _, url := testhelpers.StartRelay(t, nil)
	s := dial(t, url, "A", newStore(t))

	assert.Nil(t, s.Active())
	assert.False(t, s.Ready())

	_, err := s.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoRoom)
}

func TestSession_SendDuringJoinDelay(t *testing.T) {
	_, _, url := testhelpers.StartRelay(t, nil)

	s, err := Dial(context.Background(), url, Options{
		Store:     newStore(t),
		User:      "A",
		JoinDelay: time.Hour,
	})
	require.NoError(t, err)
	defer s.Close()

	l := join(t, s, "lobby")
	assert.Same(t, l, s.Active())
	assert.False(t, s.Ready())

	_, err = s.Send(context.Background(), "too early")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, l.Len())
}

func TestSession_JoinLoadsMirroredHistory(t *testing.T) {
	_, _, url := testhelpers.StartRelay(t, nil)
	store := newStore(t)

	history := []protocol.Message{
		{RoomID: "lobby", User: "B", Msg: "earlier", Time: "2024-05-01T10:00:00.000Z"},
	}
	require.NoError(t, store.Save(context.Background(), "lobby", history))

	s := dial(t, url, "A", store)
	l := join(t, s, "lobby")
	assert.Equal(t, history, l.Snapshot())
}

func TestSession_MessageForOtherRoomGoesToThatLog(t *testing.T) {
	srv, _, url := testhelpers.StartRelay(t, nil)
	rooms := srv.Hub().Rooms()

	store := newStore(t)
	s := dial(t, url, "A", store)
	side := join(t, s, "side")
	lobby := join(t, s, "lobby")
	require.Same(t, lobby, s.Active())

	peer := testhelpers.MustConnect(t, url)
	require.NoError(t, testhelpers.SendEvent(peer, protocol.EventJoinRoom, "side"))
	testhelpers.WaitFor(t, waitTimeout, func() bool { return len(rooms.MembersOf("side")) == 2 })

	msg := protocol.Message{RoomID: "side", User: "B", Msg: "psst", Time: "2024-05-01T10:00:00.000Z"}
	require.NoError(t, testhelpers.SendEvent(peer, protocol.EventSendMsg, msg))

	testhelpers.WaitFor(t, waitTimeout, func() bool { return side.Len() == 1 })
	assert.Equal(t, []protocol.Message{msg}, side.Snapshot())
	assert.Zero(t, lobby.Len())
}

func TestSession_OnChangeReportsRoom(t *testing.T) {
	srv, _, url := testhelpers.StartRelay(t, nil)
	rooms := srv.Hub().Rooms()

	changes := make(chan string, 8)
	s, err := Dial(context.Background(), url, Options{
		Store: newStore(t),
		User:  "A",
		OnChange: func(room string, _ []protocol.Message) {
			changes <- room
		},
	})
	require.NoError(t, err)
	defer s.Close()

	join(t, s, "lobby")
	testhelpers.WaitFor(t, waitTimeout, func() bool { return len(rooms.MembersOf("lobby")) == 1 })

	_, err = s.Send(context.Background(), "hi")
	require.NoError(t, err)

	select {
	case room := <-changes:
		assert.Equal(t, "lobby", room)
	case <-time.After(waitTimeout):
		t.Fatal("OnChange was not called")
	}
}

func TestSession_CloseEndsReadLoop(t *testing.T) {
	_, _, url := testhelpers.StartRelay(t, nil)

	s, err := Dial(context.Background(), url, Options{Store: newStore(t), User: "A"})
	require.NoError(t, err)
	join(t, s, "lobby")

	_ = s.Close()

	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("read loop did not exit")
	}

	err = s.Emit(context.Background(), protocol.EventJoinRoom, "lobby")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDial_RequiresStore(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", Options{User: "A"})
	assert.Error(t, err)
}

// gatedStore holds Load for one room until released.
type gatedStore struct {
	chatlog.Store
	room    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, room string) ([]protocol.Message, error) {
	if room == g.room {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.Store.Load(ctx, room)
}

func TestSession_SlowMirrorLoadDoesNotBlockSession(t *testing.T) {
	store := &gatedStore{
		Store:   newStore(t),
		room:    "slow",
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	s := &Session{
		opts: Options{Store: store, Stamps: chatlog.NewStamper(nil)},
		logs: make(map[string]*chatlog.Log),
		done: make(chan struct{}),
	}

	ctx := context.Background()
	results := make(chan *chatlog.Log, 2)
	for i := 0; i < 2; i++ {
		go func() {
			l, err := s.logFor(ctx, "slow")
			assert.NoError(t, err)
			results <- l
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-store.entered:
		case <-time.After(waitTimeout):
			t.Fatal("mirror load never started")
		}
	}

	unblocked := make(chan struct{})
	go func() {
		defer close(unblocked)
		s.Active()
		s.Ready()
		_, err := s.logFor(ctx, "fast")
		assert.NoError(t, err)
	}()
	select {
	case <-unblocked:
	case <-time.After(waitTimeout):
		t.Fatal("session blocked behind a slow mirror load")
	}

	close(store.release)
	first, second := <-results, <-results
	require.NotNil(t, first)
	assert.Same(t, first, second)

	cached, err := s.logFor(ctx, "slow")
	require.NoError(t, err)
	assert.Same(t, first, cached)
}
