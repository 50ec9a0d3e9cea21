package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"room-service/internal/eventloop"
	"room-service/internal/events"
	"room-service/internal/mocks"
	"room-service/internal/models"
	"room-service/internal/services"
	"room-service/internal/store"
)

type fakeHost struct {
	mu         sync.Mutex
	input      Input
	states     []State
	results    []Result
	joinPrompt int
	joined     int
}

func (h *fakeHost) ActivationInput() Input {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.input
}

func (h *fakeHost) LifecycleChanged(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *fakeHost) Activated(res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, res)
}

func (h *fakeHost) JoinCodeRequired() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinPrompt++
}

func (h *fakeHost) Joined() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined++
}

func (h *fakeHost) snapshot() ([]State, []Result, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...), append([]Result(nil), h.results...), h.joinPrompt, h.joined
}

type fixture struct {
	clock *clock.Mock
	loop  *eventloop.Loop
	store *store.Memory
	api   *mocks.ChatAPIMock
	bus   *events.Local
	host  *fakeHost
	ctrl  *Controller
	conn  atomic.Bool
}

func newFixture(t *testing.T, in Input) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.NewMock(),
		api:   new(mocks.ChatAPIMock),
		bus:   events.NewLocal(),
		host:  &fakeHost{input: in},
	}
	f.store = store.NewMemory(f.clock)
	f.loop = eventloop.New("test", f.clock)
	f.conn.Store(true)
	f.ctrl = New(f.loop, services.New(f.store, f.api), f.bus, f.conn.Load,
		Config{RetryDelay: 300 * time.Millisecond, MaxRetries: 1}, f.host)
	f.ctrl.SetScope(in)
	t.Cleanup(f.loop.Close)
	return f
}

func (f *fixture) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.Do(fn))
}

func (f *fixture) state(t *testing.T) State {
	var s State
	f.do(t, func() { s = f.ctrl.State() })
	return s
}

func (f *fixture) seed(t *testing.T, rooms ...models.Room) {
	t.Helper()
	require.NoError(t, f.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		for _, r := range rooms {
			if err := tx.UpsertRoom(r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestActivateJoinedRoomMarksRead(t *testing.T) {
	ls := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	room := models.Room{ID: "r1", Type: models.RoomTypeChannel, Open: true, Unread: 4, LastSeen: &ls}
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel, Room: room, Joined: true})
	f.seed(t, room)

	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return([]models.Message{{ID: "m1", RoomID: "r1"}}, nil)
	f.api.On("ReadMessages", mock.Anything, "r1").Return(nil)
	f.api.On("CanAutoTranslate", mock.Anything).Return(true, nil)

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.state(t) == Ready }, time.Second, 5*time.Millisecond)

	states, results, _, _ := f.host.snapshot()
	assert.Equal(t, []State{Loading, Ready}, states)
	require.Len(t, results, 1)
	assert.True(t, results[0].ReadState)
	require.NotNil(t, results[0].LastOpen)
	assert.True(t, ls.Equal(*results[0].LastOpen))
	assert.True(t, results[0].CanAutoTranslate)

	stored, err := f.store.FindRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Zero(t, stored.Unread)
	_, err = f.store.FindMessage(context.Background(), "m1")
	assert.NoError(t, err)
}

func TestActivateWithoutUnreadClearsLastOpen(t *testing.T) {
	room := models.Room{ID: "r1", Type: models.RoomTypeChannel, Open: true}
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel, Room: room, Joined: true})
	f.seed(t, room)
	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return(nil, nil)
	f.api.On("ReadMessages", mock.Anything, "r1").Return(errors.New("offline"))
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, nil)

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.state(t) == Ready }, time.Second, 5*time.Millisecond)

	_, results, _, _ := f.host.snapshot()
	require.Len(t, results, 1)
	assert.True(t, results[0].ReadState)
	assert.Nil(t, results[0].LastOpen)
}

func TestActivateThreadSkipsReadState(t *testing.T) {
	f := newFixture(t, Input{RoomID: "r1", ThreadID: "t1", Type: models.RoomTypeThread, Joined: true})
	f.api.On("GetThreadMessages", mock.Anything, "t1", "r1").Return(nil, nil)
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, errors.New("unavailable"))

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.state(t) == Ready }, time.Second, 5*time.Millisecond)

	_, results, _, _ := f.host.snapshot()
	require.Len(t, results, 1)
	assert.False(t, results[0].ReadState)
	f.api.AssertNotCalled(t, "GetMessages", mock.Anything, mock.Anything, mock.Anything)
	f.api.AssertNotCalled(t, "ReadMessages", mock.Anything, mock.Anything)
}

func TestActivateDirectRoomLooksUpMember(t *testing.T) {
	room := models.Room{ID: "u1u2", Type: models.RoomTypeDirect, UIDs: []string{"u1", "u2"}}
	f := newFixture(t, Input{RoomID: "u1u2", Type: models.RoomTypeDirect, Room: room, UserID: "u1"})
	f.api.On("GetMessages", mock.Anything, "u1u2", models.RoomTypeDirect).Return(nil, nil)
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, nil)
	f.api.On("GetUserInfo", mock.Anything, "u2").Return(models.Member{ID: "u2", Username: "bob"}, nil)

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.state(t) == Ready }, time.Second, 5*time.Millisecond)

	_, results, _, _ := f.host.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, "u2", results[0].RoomUserID)
	assert.Equal(t, "bob", results[0].Member.Username)
}

func TestActivationRetriesOnceThenGivesUp(t *testing.T) {
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return(nil, errors.New("boom"))

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.loop.PendingTimers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, f.state(t))

	f.clock.Add(300 * time.Millisecond)
	require.Eventually(t, func() bool {
		var retries int
		f.do(t, func() { retries = f.ctrl.Retries() })
		states, _, _, _ := f.host.snapshot()
		return retries == 1 && len(states) == 4
	}, time.Second, 5*time.Millisecond)

	states, results, _, _ := f.host.snapshot()
	assert.Equal(t, []State{Loading, Idle, Loading, Idle}, states)
	assert.Empty(t, results)
	assert.Zero(t, f.loop.PendingTimers())
	f.api.AssertNumberOfCalls(t, "GetMessages", 2)
}

func TestActivationDeferredUntilConnected(t *testing.T) {
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
	f.conn.Store(false)
	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return(nil, nil)
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, nil)

	f.do(t, f.ctrl.Activate)
	f.do(t, f.ctrl.Activate)
	assert.Equal(t, 1, f.bus.Subscribers(events.TopicConnected))
	assert.Equal(t, Idle, f.state(t))

	f.conn.Store(true)
	require.NoError(t, f.bus.Publish(context.Background(), events.Event{Topic: events.TopicConnected}))
	require.Eventually(t, func() bool { return f.state(t) == Ready }, time.Second, 5*time.Millisecond)
	f.api.AssertNumberOfCalls(t, "GetMessages", 1)

	var deferred bool
	f.do(t, func() { deferred = f.ctrl.Deferred() })
	assert.False(t, deferred)
	// the one-shot listener is gone, the reconnect listener took its place
	require.Eventually(t, func() bool {
		return f.bus.Subscribers(events.TopicConnected) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.bus.Publish(context.Background(), events.Event{Topic: events.TopicConnected}))
	require.Eventually(t, func() bool {
		states, _, _, _ := f.host.snapshot()
		return len(states) == 4
	}, time.Second, 5*time.Millisecond)
	states, _, _, _ := f.host.snapshot()
	assert.Equal(t, []State{Loading, Ready, Loading, Ready}, states)
	f.api.AssertNumberOfCalls(t, "GetMessages", 2)
}

func TestActivationConnectedWhileDeferring(t *testing.T) {
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return(nil, nil)
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, nil)

	// the connection turns ready, and announces it, right after the first check
	var checks atomic.Int32
	connected := func() bool {
		if checks.Add(1) == 1 {
			f.conn.Store(true)
			_ = f.bus.Publish(context.Background(), events.Event{Topic: events.TopicConnected})
			return false
		}
		return f.conn.Load()
	}
	f.conn.Store(false)
	f.ctrl = New(f.loop, services.New(f.store, f.api), f.bus, connected,
		Config{RetryDelay: 300 * time.Millisecond, MaxRetries: 1}, f.host)
	f.ctrl.SetScope(Input{RoomID: "r1", Type: models.RoomTypeChannel})

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.state(t) == Ready }, time.Second, 5*time.Millisecond)
	f.api.AssertNumberOfCalls(t, "GetMessages", 1)

	var deferred bool
	f.do(t, func() { deferred = f.ctrl.Deferred() })
	assert.False(t, deferred)
}

func TestJoinFlows(t *testing.T) {
	t.Run("livechat takes the inquiry", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "l1", Type: models.RoomTypeLivechat})
		f.api.On("TakeInquiry", mock.Anything, "l1").Return(nil)

		f.do(t, func() { f.ctrl.Join(models.Room{ID: "l1", Type: models.RoomTypeLivechat}, models.RoomTypeLivechat, "") })
		require.Eventually(t, func() bool {
			_, _, _, joined := f.host.snapshot()
			return joined == 1
		}, time.Second, 5*time.Millisecond)
		f.api.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("join code prompts first", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
		room := models.Room{ID: "r1", Type: models.RoomTypeChannel, JoinCodeRequired: true}
		f.api.On("JoinRoom", mock.Anything, "r1", "1234", models.RoomTypeChannel).Return(nil)

		f.do(t, func() { f.ctrl.Join(room, models.RoomTypeChannel, "") })
		_, _, prompts, joined := f.host.snapshot()
		assert.Equal(t, 1, prompts)
		assert.Zero(t, joined)

		f.do(t, func() { f.ctrl.Join(room, models.RoomTypeChannel, "1234") })
		require.Eventually(t, func() bool {
			_, _, _, joined := f.host.snapshot()
			return joined == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("failed join leaves state alone", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
		f.api.On("JoinRoom", mock.Anything, "r1", "", models.RoomTypeChannel).Return(errors.New("denied"))

		f.do(t, func() { f.ctrl.Join(models.Room{ID: "r1"}, models.RoomTypeChannel, "") })
		assert.Never(t, func() bool {
			_, _, _, joined := f.host.snapshot()
			return joined > 0
		}, 100*time.Millisecond, 5*time.Millisecond)
		f.api.AssertExpectations(t)
	})
}

func TestFlushDraft(t *testing.T) {
	ctx := context.Background()

	t.Run("room draft written once", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "r1"})
		f.seed(t, models.Room{ID: "r1"})

		assert.True(t, f.ctrl.FlushDraft(ctx, f.store, "hello", false))
		assert.False(t, f.ctrl.FlushDraft(ctx, f.store, "hello again", false))

		r, err := f.store.FindRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "hello", r.DraftMessage)
	})

	t.Run("editing skips the flush", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "r1"})
		f.seed(t, models.Room{ID: "r1", DraftMessage: "old"})

		assert.False(t, f.ctrl.FlushDraft(ctx, f.store, "edited text", true))
		r, err := f.store.FindRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "old", r.DraftMessage)
	})

	t.Run("thread draft goes to the thread", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "r1", ThreadID: "t1"})
		f.seed(t, models.Room{ID: "r1"})
		require.NoError(t, f.store.RunInTransaction(ctx, func(tx store.Tx) error {
			return tx.UpsertThread(models.Thread{ID: "t1", RoomID: "r1"})
		}))

		assert.True(t, f.ctrl.FlushDraft(ctx, f.store, "hello", false))
		th, err := f.store.FindThread(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "hello", th.DraftMessage)
		r, err := f.store.FindRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, r.DraftMessage)
	})

	t.Run("missing record is swallowed", func(t *testing.T) {
		f := newFixture(t, Input{RoomID: "gone"})
		assert.False(t, f.ctrl.FlushDraft(ctx, f.store, "hello", false))
	})
}

func TestCloseMidRetryLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
	f.api.On("GetMessages", mock.Anything, "r1", models.RoomTypeChannel).Return(nil, errors.New("boom"))
	f.api.On("CanAutoTranslate", mock.Anything).Return(false, nil)

	f.do(t, f.ctrl.Activate)
	require.Eventually(t, func() bool { return f.loop.PendingTimers() == 1 }, time.Second, 5*time.Millisecond)

	f.do(t, f.ctrl.Close)
	f.loop.Close()

	assert.Zero(t, f.loop.PendingTimers())
	assert.Zero(t, f.loop.ActiveSubscriptions())
	f.clock.Add(time.Second)
	f.api.AssertNumberOfCalls(t, "GetMessages", 1)
}

func TestCloseDropsDeferredListener(t *testing.T) {
	f := newFixture(t, Input{RoomID: "r1", Type: models.RoomTypeChannel})
	f.conn.Store(false)

	f.do(t, f.ctrl.Activate)
	assert.Equal(t, 1, f.bus.Subscribers(events.TopicConnected))

	f.do(t, f.ctrl.Close)
	f.loop.Close()
	assert.Zero(t, f.loop.ActiveSubscriptions())
	require.Eventually(t, func() bool {
		return f.bus.Subscribers(events.TopicConnected) == 0
	}, time.Second, 5*time.Millisecond)
}
