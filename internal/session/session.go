// Package session hosts room sessions: the headless counterpart of an open
// room screen. A session observes its room, keeps the unread badge, loads
// and joins through the lifecycle controller and routes user intents.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/eventloop"
	"room-service/internal/events"
	"room-service/internal/lifecycle"
	"room-service/internal/models"
	"room-service/internal/observability"
	"room-service/internal/observer"
	"room-service/internal/reconciler"
	"room-service/internal/services"
	"room-service/internal/store"
	"room-service/internal/telemetry"
	"room-service/internal/view"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidRoute    = errors.New("route needs a room id and type")
)

// EncryptedThreadName replaces the name of a thread whose parent could not
// be decrypted.
const EncryptedThreadName = "Encrypted message"

// Config holds the timing and display settings of sessions.
type Config struct {
	FindRetryDelay time.Duration
	FindRetries    int
	InitRetryDelay time.Duration
	InitRetries    int
	JumpTimeout    time.Duration
	IntentDebounce time.Duration
	UseRealName    bool
	ShowUnread     bool
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		FindRetryDelay: 300 * time.Millisecond,
		FindRetries:    3,
		InitRetryDelay: 300 * time.Millisecond,
		InitRetries:    1,
		JumpTimeout:    reconciler.DefaultJumpTimeout,
		IntentDebounce: time.Second,
		ShowUnread:     true,
	}
}

// Deps are the collaborators every session shares.
type Deps struct {
	Store    store.Store
	Services *services.RoomServices
	Bus      events.Bus
	Clock    clock.Clock
	// Connected reports whether the remote client is usable.
	Connected func() bool
	Emitter   *telemetry.Emitter
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID             string              `json:"session_id"`
	Route          models.RouteParams  `json:"route"`
	State          models.SessionState `json:"state"`
	Header         *models.Header      `json:"header,omitempty"`
	Lifecycle      string              `json:"lifecycle"`
	Streaming      bool                `json:"streaming"`
	LookupFailures int                 `json:"lookup_failures"`
}

// Session is one mounted room screen. Its state lives on its loop; the
// exported methods are safe for concurrent use.
type Session struct {
	id   string
	user models.User
	deps Deps
	cfg  Config
	host view.Host
	loop *eventloop.Loop

	route          models.RouteParams
	state          models.SessionState
	header         *models.Header
	room           *observer.RoomObserver
	unread         *observer.UnreadCounter
	lifecycle      *lifecycle.Controller
	jumps          *reconciler.Reconciler
	threadGate     *eventloop.Gate
	discussionGate *eventloop.Gate
	releaseRemoved func()
	releaseStream  func()
	lookupFailures int

	unmountOnce sync.Once
}

func newSession(id string, user models.User, params models.RouteParams, deps Deps, cfg Config, host view.Host) *Session {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Session{
		id:             id,
		user:           user,
		deps:           deps,
		cfg:            cfg,
		host:           host,
		loop:           eventloop.New("session:"+id, clk),
		route:          params,
		jumps:          reconciler.New(deps.Services, clk, cfg.JumpTimeout),
		threadGate:     eventloop.NewGate(clk, cfg.IntentDebounce),
		discussionGate: eventloop.NewGate(clk, cfg.IntentDebounce),
	}
	s.room = observer.NewRoomObserver(s.loop, deps.Store, observer.RoomConfig{
		RoomID:     params.RoomID,
		Scope:      observer.HeaderScope{Type: params.Type, InThread: params.ThreadID != ""},
		Initial:    params.Room,
		RetryDelay: cfg.FindRetryDelay,
		MaxRetries: cfg.FindRetries,
	}, roomEvents{s})
	s.unread = observer.NewUnreadCounter(s.loop, deps.Store, params.RoomID, s.unreadChanged)
	s.lifecycle = lifecycle.New(s.loop, deps.Services, deps.Bus, deps.Connected, lifecycle.Config{
		RetryDelay: cfg.InitRetryDelay,
		MaxRetries: cfg.InitRetries,
	}, lifecycleHost{s})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// User returns the user the session acts for.
func (s *Session) User() models.User { return s.user }

// Loop exposes the session loop, mainly to inspect its resources.
func (s *Session) Loop() *eventloop.Loop { return s.loop }

func (s *Session) dispatch(fn func()) error {
	if !s.loop.Post(fn) {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Session) mount() {
	s.state = models.SessionState{Joined: true, RoomUserID: s.route.RoomUserID}
	if s.route.Room != nil {
		s.state.Room = *s.route.Room
		s.state.RoomUpdate = models.AttrsOf(s.state.Room)
	}
	if s.route.Message != nil {
		msg := *s.route.Message
		s.state.SelectedMessage = &msg
		s.state.Replying = true
	}
	s.derive(&s.state)
	s.lifecycle.SetScope(s.activationInput())

	s.setHeader()
	s.room.Start()
	s.unread.Start()
	s.listenRoomRemoved()
	if s.route.ThreadID == "" {
		s.startStream()
	}
	s.lifecycle.Activate()

	if s.route.JumpToMessageID != "" {
		s.jump(reconciler.Request{MessageID: s.route.JumpToMessageID})
	} else if s.route.JumpToThreadID != "" {
		s.navToThread(models.Message{ThreadID: s.route.JumpToThreadID})
	}
	s.host.Render(s.state)
}

func (s *Session) listenRoomRemoved() {
	ctx, release := s.loop.Subscribe()
	s.releaseRemoved = release
	events.Attach(ctx, s.deps.Bus, events.TopicRoomRemoved, func(ev events.Event) {
		s.loop.Post(func() { s.roomRemoved(ev.RoomID) })
	})
}

func (s *Session) roomRemoved(rid string) {
	if rid != s.route.RoomID {
		return
	}
	s.host.Navigate(models.ScreenRoomsListView)
	if s.route.Type != models.RoomTypeLivechat && s.state.Room.Type != models.RoomTypeLivechat {
		s.host.ShowAlert(fmt.Sprintf("You were removed from %s", models.RoomTitle(s.state.Room, s.cfg.UseRealName)))
	}
}

// startStream follows the room-level message stream. Thread sessions never
// call it.
func (s *Session) startStream() {
	ctx, release := s.loop.Subscribe()
	s.releaseStream = release
	rid := s.route.RoomID
	go func() {
		if err := s.deps.Services.StreamRoomMessages(ctx, rid); err != nil {
			jww.WARN.Printf("room %s: message stream ended: %v", rid, err)
		}
	}()
}

func (s *Session) teardown() {
	s.room.Stop()
	s.unread.Stop()
	s.lifecycle.Close()
	if s.releaseRemoved != nil {
		s.releaseRemoved()
		s.releaseRemoved = nil
	}
	if s.releaseStream != nil {
		s.releaseStream()
		s.releaseStream = nil
	}
}

// Unmount flushes the composer draft unless a message is being edited and
// releases every timer and subscription of the session. Only the first call
// has an effect.
func (s *Session) Unmount(ctx context.Context, composerText string, editing bool) {
	s.unmountOnce.Do(func() {
		wasEditing := false
		if err := s.loop.Do(func() {
			wasEditing = s.state.Editing
			s.teardown()
		}); err != nil {
			jww.DEBUG.Printf("session %s: loop gone before unmount: %v", s.id, err)
		}
		s.lifecycle.FlushDraft(ctx, s.deps.Store, composerText, editing || wasEditing)
		s.loop.Close()
		s.emit(ctx, telemetry.EventSessionUnmounted, "")
		jww.INFO.Printf("session %s unmounted room=%s", s.id, s.route.RoomID)
	})
}

// Snapshot copies the session state.
func (s *Session) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := s.loop.Do(func() {
		snap = Snapshot{
			ID:             s.id,
			Route:          s.route,
			State:          s.state,
			Lifecycle:      s.lifecycle.State().String(),
			Streaming:      s.releaseStream != nil,
			LookupFailures: s.lookupFailures,
		}
		if s.header != nil {
			h := *s.header
			snap.Header = &h
		}
	})
	if err != nil {
		return Snapshot{}, ErrSessionNotFound
	}
	return snap, nil
}

func (s *Session) activationInput() lifecycle.Input {
	return lifecycle.Input{
		RoomID:   s.route.RoomID,
		ThreadID: s.route.ThreadID,
		Type:     s.route.Type,
		Room:     s.state.Room,
		Joined:   s.state.Joined,
		UserID:   s.user.ID,
	}
}

// update applies fn to a copy of the state and renders when anything the
// view shows changed.
func (s *Session) update(fn func(st *models.SessionState)) {
	next := s.state
	fn(&next)
	s.derive(&next)
	changed := s.state.RenderChanged(next) || s.state.Footer != next.Footer
	s.state = next
	if changed {
		s.host.Render(next)
	}
}

func (s *Session) derive(st *models.SessionState) {
	st.ReadOnly = models.IsReadOnly(st.Room, s.user)
	switch {
	case s.route.RoomID == "":
		st.Footer = models.FooterNone
	case !st.Joined && s.route.ThreadID == "":
		st.Footer = models.FooterPreview
	case st.ReadOnly:
		st.Footer = models.FooterReadOnly
	case models.IsBlocked(st.Room):
		st.Footer = models.FooterBlocked
	default:
		st.Footer = models.FooterComposer
	}
}

func (s *Session) setHeader() {
	h, ok := observer.BuildHeader(observer.HeaderInput{
		Route:        s.route,
		Room:         s.state.Room,
		Joined:       s.state.Joined,
		UnreadsCount: s.state.UnreadsCount,
		RoomUserID:   s.state.RoomUserID,
		UseRealName:  s.cfg.UseRealName,
		ShowUnread:   s.cfg.ShowUnread,
	})
	if !ok {
		return
	}
	observability.IncHeaderRebuild()
	s.header = &h
	s.host.SetHeader(h)
}

func (s *Session) unreadChanged(total int) {
	s.update(func(st *models.SessionState) {
		st.UnreadsCount = &total
	})
	s.setHeader()
}

func (s *Session) emit(ctx context.Context, eventType, detail string) {
	uid := s.user.ID
	s.deps.Emitter.Emit(ctx, eventType, s.id, &uid, telemetry.Payload{
		RoomID:   s.route.RoomID,
		ThreadID: s.route.ThreadID,
		Detail:   detail,
	})
}

// roomEvents receives the room observer callbacks.
type roomEvents struct{ s *Session }

func (r roomEvents) RoomObserved(room models.Room) {
	s := r.s
	s.update(func(st *models.SessionState) {
		st.Room = room
		st.RoomUpdate = models.AttrsOf(room)
	})
	if s.route.ThreadID == "" || s.header == nil {
		s.setHeader()
	}
}

func (r roomEvents) RoomChanged(delta observer.Delta) {
	s := r.s
	s.update(func(st *models.SessionState) {
		st.Room = delta.Room
		if delta.Changed {
			st.RoomUpdate = delta.Attrs
		}
	})
	if delta.RebuildHeader {
		s.setHeader()
	}
}

// RoomLookupFailed puts non-direct rooms in preview mode. Direct rooms keep
// their joined flag so a slow insert never shows a DM as not joined.
func (r roomEvents) RoomLookupFailed(err error, retrying bool) {
	s := r.s
	observability.IncLookupFailure()
	s.lookupFailures++
	if !retrying {
		jww.WARN.Printf("session %s: room %s not found, giving up: %v", s.id, s.route.RoomID, err)
	}
	if s.route.Type == models.RoomTypeDirect {
		return
	}
	s.update(func(st *models.SessionState) {
		st.Joined = false
	})
}

func (r roomEvents) RoomLookupRetried() {
	r.s.lifecycle.Activate()
}

// lifecycleHost receives the lifecycle controller callbacks.
type lifecycleHost struct{ s *Session }

func (h lifecycleHost) ActivationInput() lifecycle.Input {
	return h.s.activationInput()
}

func (h lifecycleHost) LifecycleChanged(state lifecycle.State) {
	h.s.update(func(st *models.SessionState) {
		st.Loading = state == lifecycle.Loading
	})
}

func (h lifecycleHost) Activated(res lifecycle.Result) {
	s := h.s
	headerChanged := res.RoomUserID != "" && res.RoomUserID != s.state.RoomUserID
	s.update(func(st *models.SessionState) {
		if res.ReadState {
			st.LastOpen = res.LastOpen
		}
		st.CanAutoTranslate = res.CanAutoTranslate
		st.Member = res.Member
		if headerChanged {
			st.RoomUserID = res.RoomUserID
		}
	})
	if headerChanged {
		s.setHeader()
	}
}

func (h lifecycleHost) JoinCodeRequired() {
	h.s.host.ShowJoinCode(h.s.route.RoomID)
}

func (h lifecycleHost) Joined() {
	s := h.s
	if s.state.Joined {
		return
	}
	s.update(func(st *models.SessionState) {
		st.Joined = true
	})
	s.setHeader()
	s.emit(s.loop.Context(), telemetry.EventRoomJoined, "")
}
