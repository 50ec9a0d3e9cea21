// Package lifecycle drives the load, join and teardown of one room session.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"room-service/internal/eventloop"
	"room-service/internal/events"
	"room-service/internal/models"
	"room-service/internal/observability"
	"room-service/internal/services"
	"room-service/internal/store"
)

// State is the load state of a session.
type State int

const (
	Idle State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "idle"
	}
}

// Input is the session state an activation reads. It is captured on the
// loop when the activation starts.
type Input struct {
	RoomID   string
	ThreadID string
	Type     models.RoomType
	Room     models.Room
	Joined   bool
	UserID   string
}

// Result is what a successful activation found out.
type Result struct {
	// ReadState is set when the room was marked read; LastOpen then holds
	// the marker the unread separator is drawn against, nil for none.
	ReadState        bool
	LastOpen         *time.Time
	RoomUserID       string
	Member           models.Member
	CanAutoTranslate bool
}

// Host is the session side of the controller. Every method is called on
// the session loop.
type Host interface {
	ActivationInput() Input
	LifecycleChanged(state State)
	Activated(res Result)
	JoinCodeRequired()
	Joined()
}

// Config bounds activation retries.
type Config struct {
	RetryDelay time.Duration
	MaxRetries int
}

// Controller runs activations and joins for one session. All methods but
// FlushDraft must be called on the loop.
type Controller struct {
	loop      *eventloop.Loop
	svc       *services.RoomServices
	bus       events.Bus
	connected func() bool
	cfg       Config
	host      Host
	tracer    trace.Tracer

	state     State
	retries   int
	retry     *eventloop.Timer
	gen       uint64
	deferred  func()
	reconnect func()
	closed    bool

	scope   Input
	flushed atomic.Bool
}

// New constructs a Controller. connected reports whether the remote client
// is usable; nil means always.
func New(loop *eventloop.Loop, svc *services.RoomServices, bus events.Bus, connected func() bool, cfg Config, host Host) *Controller {
	if connected == nil {
		connected = func() bool { return true }
	}
	return &Controller{
		loop:      loop,
		svc:       svc,
		bus:       bus,
		connected: connected,
		cfg:       cfg,
		host:      host,
		tracer:    otel.Tracer("room-service/lifecycle"),
	}
}

// State returns the current load state.
func (c *Controller) State() State {
	return c.state
}

// Retries returns how many activation retries the current activation used.
func (c *Controller) Retries() int {
	return c.retries
}

// Deferred reports whether an activation waits for the connected signal.
func (c *Controller) Deferred() bool {
	return c.deferred != nil
}

// Activate starts a fresh activation, or defers it until the remote client
// is connected. A deferred activation runs once, on the first signal.
func (c *Controller) Activate() {
	if c.closed {
		return
	}
	if !c.connected() {
		if c.deferred == nil {
			jww.DEBUG.Printf("activation deferred until connected")
			c.deferred = c.listen(events.TopicConnected, c.onFirstConnected)
			// the signal may have fired before the listener was in place
			if c.connected() {
				c.onFirstConnected()
			}
		}
		return
	}
	c.start()
}

func (c *Controller) onFirstConnected() {
	if c.deferred == nil || c.closed {
		return
	}
	c.deferred()
	c.deferred = nil
	c.start()
}

func (c *Controller) onReconnect() {
	if c.closed || c.state == Loading || c.deferred != nil {
		return
	}
	jww.INFO.Printf("reconnected, reloading room")
	c.start()
}

func (c *Controller) start() {
	c.retries = 0
	c.retry.Stop()
	c.retry = nil
	c.run()
}

func (c *Controller) run() {
	c.gen++
	gen := c.gen
	in := c.host.ActivationInput()
	now := c.loop.Clock().Now()
	c.setState(Loading)

	eventloop.Async(c.loop, func(ctx context.Context) (Result, error) {
		return c.activate(ctx, in, now)
	}, func(res Result, err error) {
		if gen != c.gen || c.closed {
			return
		}
		if err != nil {
			c.failed(in, err)
			return
		}
		observability.IncActivation("ready")
		c.setState(Ready)
		c.host.Activated(res)
		if c.reconnect == nil {
			c.reconnect = c.listen(events.TopicConnected, c.onReconnect)
		}
	})
}

func (c *Controller) failed(in Input, err error) {
	c.setState(Idle)
	if c.retries >= c.cfg.MaxRetries {
		observability.IncActivation("failed")
		jww.ERROR.Printf("room %s activation failed, giving up: %v", in.RoomID, err)
		return
	}
	observability.IncActivation("retry")
	jww.WARN.Printf("room %s activation failed, retrying in %s: %v", in.RoomID, c.cfg.RetryDelay, err)
	c.retries++
	c.retry = c.loop.AfterFunc(c.cfg.RetryDelay, func() {
		c.retry = nil
		c.run()
	})
}

func (c *Controller) activate(ctx context.Context, in Input, now time.Time) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Activate", trace.WithAttributes(
		attribute.String("room.id", in.RoomID),
		attribute.String("thread.id", in.ThreadID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	room := in.Room
	if room.ID == "" {
		room = models.Room{ID: in.RoomID, Type: in.Type}
	}

	if in.ThreadID != "" {
		if err := c.svc.GetThreadMessages(ctx, in.ThreadID, in.RoomID); err != nil {
			return Result{}, err
		}
	} else {
		if err := c.svc.GetMessages(ctx, room); err != nil {
			return Result{}, err
		}
		if in.Joined && in.Room.ID != "" {
			res.ReadState = true
			if room.HasUnread() && room.LastSeen != nil {
				ls := *room.LastSeen
				res.LastOpen = &ls
			}
			if err := c.svc.ReadMessages(ctx, room.ID, now); err != nil {
				jww.WARN.Printf("room %s: mark read failed: %v", room.ID, err)
			}
		}
	}

	api := c.svc.API()
	can, err := api.CanAutoTranslate(ctx)
	if err != nil {
		jww.WARN.Printf("room %s: auto-translate capability unavailable: %v", in.RoomID, err)
	}
	res.CanAutoTranslate = can

	if room.Type == models.RoomTypeDirect && !models.IsGroupChat(room) {
		res.RoomUserID = models.DirectMessageUserID(room, in.UserID)
		if res.RoomUserID != "" {
			member, err := api.GetUserInfo(ctx, res.RoomUserID)
			if err != nil {
				jww.WARN.Printf("room %s: member %s lookup failed: %v", in.RoomID, res.RoomUserID, err)
			} else {
				res.Member = member
			}
		}
	}
	return res, nil
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.host.LifecycleChanged(s)
}

// Join joins the room: livechat rooms accept their inquiry, rooms behind a
// join code ask for it first, every other room is joined directly.
func (c *Controller) Join(room models.Room, t models.RoomType, joinCode string) {
	if c.closed {
		return
	}
	if t != models.RoomTypeLivechat && room.JoinCodeRequired && joinCode == "" {
		c.host.JoinCodeRequired()
		return
	}
	api := c.svc.API()
	rid := room.ID
	eventloop.Async(c.loop, func(ctx context.Context) (struct{}, error) {
		if t == models.RoomTypeLivechat {
			return struct{}{}, api.TakeInquiry(ctx, rid)
		}
		return struct{}{}, api.JoinRoom(ctx, rid, joinCode, t)
	}, func(_ struct{}, err error) {
		if c.closed {
			return
		}
		if err != nil {
			jww.WARN.Printf("room %s: join failed: %v", rid, err)
			return
		}
		c.host.Joined()
	})
}

// SetScope records where drafts are flushed to on unmount.
func (c *Controller) SetScope(in Input) {
	c.scope = in
}

// FlushDraft stores the composer text as the draft of the room, or of the
// thread in a thread session. It does nothing while editing a message and
// runs at most once. Failures are logged and swallowed.
func (c *Controller) FlushDraft(ctx context.Context, st store.Store, text string, editing bool) bool {
	if editing || !c.flushed.CompareAndSwap(false, true) {
		return false
	}
	scope := c.scope
	err := st.RunInTransaction(ctx, func(tx store.Tx) error {
		if scope.ThreadID != "" {
			return tx.UpdateThread(scope.ThreadID, func(t *models.Thread) {
				t.DraftMessage = text
			})
		}
		return tx.UpdateRoom(scope.RoomID, func(r *models.Room) {
			r.DraftMessage = text
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jww.DEBUG.Printf("room %s: no record to keep the draft in", scope.RoomID)
		} else {
			jww.WARN.Printf("room %s: draft flush failed: %v", scope.RoomID, err)
		}
		return false
	}
	return true
}

// Close cancels the pending retry and drops every listener.
func (c *Controller) Close() {
	c.closed = true
	c.gen++
	c.retry.Stop()
	c.retry = nil
	if c.deferred != nil {
		c.deferred()
		c.deferred = nil
	}
	if c.reconnect != nil {
		c.reconnect()
		c.reconnect = nil
	}
	c.state = Idle
}

// listen subscribes fn to topic for as long as the loop lives or the
// returned release is called. fn runs on the loop.
func (c *Controller) listen(topic events.Topic, fn func()) func() {
	ctx, release := c.loop.Subscribe()
	events.Attach(ctx, c.bus, topic, func(events.Event) {
		c.loop.Post(fn)
	})
	return release
}
