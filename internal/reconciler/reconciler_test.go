package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"room-service/internal/mocks"
	"room-service/internal/models"
	"room-service/internal/services"
	"room-service/internal/store"
)

func newReconciler(t *testing.T, timeout time.Duration) (*Reconciler, *store.Memory, *mocks.ChatAPIMock) {
	t.Helper()
	st := store.NewMemory(clock.NewMock())
	api := new(mocks.ChatAPIMock)
	return New(services.New(st, api), clock.New(), timeout), st, api
}

func seedMessages(t *testing.T, st store.Store, msgs ...models.Message) {
	t.Helper()
	require.NoError(t, st.RunInTransaction(context.Background(), func(tx store.Tx) error {
		return tx.UpsertMessages(msgs)
	}))
}

func TestParseDeepLink(t *testing.T) {
	id, err := ParseDeepLink("https://open.chat.example/channel/general?msg=abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	_, err = ParseDeepLink("https://open.chat.example/channel/general")
	assert.Equal(t, ErrNoMessageID, err)
	_, err = ParseDeepLink("")
	assert.Equal(t, ErrNoMessageID, err)
	_, err = ParseDeepLink("://bad")
	assert.Error(t, err)
}

func TestDecide(t *testing.T) {
	tlm := time.Now()
	room := Scope{RoomID: "r1"}
	thread := Scope{RoomID: "r1", ThreadID: "t1"}
	msg := func(rid, tmid string) models.MessageInfo {
		return models.MessageInfo{Message: models.Message{ID: "m1", RoomID: rid, ThreadID: tmid}}
	}
	root := models.MessageInfo{Message: models.Message{ID: "m1", RoomID: "r1", ThreadLastMessage: &tlm}}

	cases := []struct {
		name     string
		scope    Scope
		msg      models.MessageInfo
		kind     models.OutcomeKind
		threadID string
	}{
		{"same room", room, msg("r1", ""), models.OutcomeScrollInPlace, ""},
		{"other room", room, msg("r2", ""), models.OutcomeNavigateToRoom, ""},
		{"other room thread", room, msg("r2", "t9"), models.OutcomeNavigateToRoom, ""},
		{"thread of this room", room, msg("r1", "t1"), models.OutcomeNavigateToThread, "t1"},
		{"same thread", thread, msg("r1", "t1"), models.OutcomeScrollInPlace, "t1"},
		{"other thread", thread, msg("r1", "t2"), models.OutcomeNavigateToThread, "t2"},
		{"room message from thread", thread, msg("r1", ""), models.OutcomeNone, ""},
		{"thread root from thread", thread, root, models.OutcomeNavigateToThread, "m1"},
		{"other room from thread", thread, msg("r2", ""), models.OutcomeNavigateToRoom, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Decide(tc.scope, tc.msg)
			assert.Equal(t, tc.kind, out.Kind)
			assert.Equal(t, tc.threadID, out.ThreadID)
			assert.Equal(t, "m1", out.MessageID)
		})
	}
}

func TestResolveLocalIsIdempotent(t *testing.T) {
	r, st, api := newReconciler(t, time.Second)
	seedMessages(t, st, models.Message{ID: "m1", RoomID: "r1"})

	first, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "m1"})
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "m1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, models.OutcomeScrollInPlace, first.Kind)
	api.AssertNotCalled(t, "GetSingleMessage", mock.Anything, mock.Anything)
}

func TestResolveServerMessageLoadsSurroundingsOnce(t *testing.T) {
	r, _, api := newReconciler(t, time.Second)
	api.On("GetSingleMessage", mock.Anything, "m7").Return(models.Message{ID: "m7", RoomID: "r1"}, nil).Once()
	api.On("LoadSurroundingMessages", mock.Anything, "m7", "r1").Return([]models.Message{{ID: "m6", RoomID: "r1"}}, nil)

	out, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "m7"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeScrollInPlace, out.Kind)
	assert.True(t, out.LoadedSurroundings)

	for i := 0; i < 2; i++ {
		again, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "m7"})
		require.NoError(t, err)
		assert.Equal(t, out.Kind, again.Kind)
		assert.False(t, again.LoadedSurroundings)
	}
	api.AssertNumberOfCalls(t, "GetSingleMessage", 1)
	api.AssertNumberOfCalls(t, "LoadSurroundingMessages", 1)
}

func TestResolveRetriesSurroundingsAfterFailure(t *testing.T) {
	r, _, api := newReconciler(t, time.Second)
	api.On("GetSingleMessage", mock.Anything, "m7").Return(models.Message{ID: "m7", RoomID: "r1"}, nil).Once()
	api.On("LoadSurroundingMessages", mock.Anything, "m7", "r1").Return(nil, errors.New("unavailable")).Once()
	api.On("LoadSurroundingMessages", mock.Anything, "m7", "r1").Return([]models.Message{{ID: "m6", RoomID: "r1"}}, nil).Once()

	out, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "m7"})
	assert.Error(t, err)
	assert.Equal(t, models.OutcomeNone, out.Kind)

	out, err = r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "m7"})
	require.NoError(t, err)
	assert.True(t, out.LoadedSurroundings)
	api.AssertNumberOfCalls(t, "LoadSurroundingMessages", 2)
	api.AssertNumberOfCalls(t, "GetSingleMessage", 1)
}

func TestResolveServerThreadMessageSkipsSurroundings(t *testing.T) {
	r, _, api := newReconciler(t, time.Second)
	api.On("GetSingleMessage", mock.Anything, "m7").Return(models.Message{ID: "m7", RoomID: "r1", ThreadID: "t1"}, nil)

	out, err := r.Resolve(context.Background(), Scope{RoomID: "r1", ThreadID: "t1"}, Request{MessageID: "m7"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeScrollInPlace, out.Kind)
	assert.False(t, out.LoadedSurroundings)
	api.AssertNotCalled(t, "LoadSurroundingMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveOtherRoomNeverLoadsSurroundings(t *testing.T) {
	r, _, api := newReconciler(t, time.Second)
	api.On("GetSingleMessage", mock.Anything, "x").Return(models.Message{ID: "x", RoomID: "r2"}, nil)

	out, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "x"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNavigateToRoom, out.Kind)
	assert.Equal(t, "r2", out.RoomID)
	api.AssertNotCalled(t, "LoadSurroundingMessages", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveByURL(t *testing.T) {
	r, st, _ := newReconciler(t, time.Second)
	seedMessages(t, st, models.Message{ID: "m1", RoomID: "r1"})

	out, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{URL: "https://chat.example/group/x?msg=m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", out.MessageID)

	out, err = r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{URL: "https://chat.example/group/x"})
	assert.Equal(t, ErrNoMessageID, err)
	assert.Equal(t, models.OutcomeNone, out.Kind)
}

func TestResolveUnknownMessageDegrades(t *testing.T) {
	r, _, api := newReconciler(t, time.Second)
	api.On("GetSingleMessage", mock.Anything, "gone").Return(nil, errors.New("not found"))

	out, err := r.Resolve(context.Background(), Scope{RoomID: "r1"}, Request{MessageID: "gone"})
	assert.Error(t, err)
	assert.Equal(t, models.OutcomeNone, out.Kind)
}

func TestScrollCompletes(t *testing.T) {
	r, _, _ := newReconciler(t, time.Second)
	list := new(mocks.HostMock)
	list.On("JumpToMessage", mock.Anything, "m1").Return(nil)
	list.On("CancelJumpToMessage").Return()

	assert.False(t, r.Scroll(context.Background(), list, "m1"))
	list.AssertNumberOfCalls(t, "CancelJumpToMessage", 1)
}

func TestScrollTimesOutAndCancels(t *testing.T) {
	r, _, _ := newReconciler(t, 50*time.Millisecond)
	list := new(mocks.HostMock)
	cancelled := make(chan struct{})
	list.On("JumpToMessage", mock.Anything, "m1").Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
		close(cancelled)
	}).Return(context.Canceled)
	list.On("CancelJumpToMessage").Return()

	start := time.Now()
	assert.True(t, r.Scroll(context.Background(), list, "m1"))
	assert.Less(t, time.Since(start), time.Second)
	list.AssertCalled(t, "CancelJumpToMessage")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("pending jump was not cancelled")
	}
}

func TestScrollRaceOnMockClock(t *testing.T) {
	mockClock := clock.NewMock()
	st := store.NewMemory(mockClock)
	r := New(services.New(st, new(mocks.ChatAPIMock)), mockClock, 0)
	list := new(mocks.HostMock)
	list.On("JumpToMessage", mock.Anything, "m1").Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.Canceled)
	list.On("CancelJumpToMessage").Return()

	done := make(chan bool, 1)
	go func() { done <- r.Scroll(context.Background(), list, "m1") }()

	var timedOut bool
	require.Eventually(t, func() bool {
		mockClock.Add(100 * time.Millisecond)
		select {
		case timedOut = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)
	assert.True(t, timedOut)
	assert.GreaterOrEqual(t, mockClock.Now().Sub(time.Unix(0, 0)), DefaultJumpTimeout)
}
