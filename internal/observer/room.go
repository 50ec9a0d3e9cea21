// Package observer holds the live views a room session keeps on the local
// store: the record of its own room and the unread total of all others.
package observer

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/eventloop"
	"room-service/internal/models"
	"room-service/internal/store"
)

// Delta is one committed room record projected onto the watched attributes.
type Delta struct {
	Room  models.Room
	Attrs models.RoomAttrs
	// Changed is set when Attrs differs from the previous delta.
	Changed bool
	// RebuildHeader is set when the change touches the header.
	RebuildHeader bool
}

// RoomHandler receives room observer events on the session loop.
type RoomHandler interface {
	// RoomObserved is called once per successful lookup with the record the
	// subscription starts from.
	RoomObserved(room models.Room)
	// RoomChanged is called for every later committed record, in order.
	RoomChanged(delta Delta)
	// RoomLookupFailed is called when a lookup failed; retrying tells
	// whether another attempt is scheduled.
	RoomLookupFailed(err error, retrying bool)
	// RoomLookupRetried is called after each scheduled retry ran.
	RoomLookupRetried()
}

// RoomConfig configures a RoomObserver.
type RoomConfig struct {
	RoomID string
	Scope  HeaderScope
	// Initial is a record handed over by navigation, used instead of the
	// first lookup.
	Initial *models.Room
	// RetryDelay and MaxRetries bound the retries after a failed lookup.
	RetryDelay time.Duration
	MaxRetries int
}

// RoomObserver keeps one live subscription to a room record. All methods
// must be called on the loop.
type RoomObserver struct {
	loop    *eventloop.Loop
	store   store.Store
	cfg     RoomConfig
	handler RoomHandler

	retries int
	retry   *eventloop.Timer
	release func()
	gen     uint64
	last    *models.RoomAttrs
}

// NewRoomObserver constructs an observer; Start begins observing.
func NewRoomObserver(loop *eventloop.Loop, st store.Store, cfg RoomConfig, handler RoomHandler) *RoomObserver {
	return &RoomObserver{loop: loop, store: st, cfg: cfg, handler: handler}
}

// Start looks the room up and subscribes to it.
func (o *RoomObserver) Start() {
	if o.cfg.Initial != nil && o.cfg.Initial.ID != "" {
		room := *o.cfg.Initial
		o.cfg.Initial = nil
		o.observe(room)
		return
	}
	o.find()
}

// Retries returns how many retries have been scheduled so far.
func (o *RoomObserver) Retries() int {
	return o.retries
}

// Subscribed reports whether a record subscription is live.
func (o *RoomObserver) Subscribed() bool {
	return o.release != nil
}

// Stop ends the subscription and cancels a pending retry.
func (o *RoomObserver) Stop() {
	o.gen++
	o.retry.Stop()
	o.retry = nil
	if o.release != nil {
		o.release()
		o.release = nil
	}
}

func (o *RoomObserver) find() {
	id := o.cfg.RoomID
	eventloop.Async(o.loop, func(ctx context.Context) (models.Room, error) {
		return o.store.FindRoom(ctx, id)
	}, func(room models.Room, err error) {
		if err != nil {
			o.failed(err)
			return
		}
		o.observe(room)
	})
}

func (o *RoomObserver) failed(err error) {
	retrying := o.retries < o.cfg.MaxRetries
	jww.WARN.Printf("room %s lookup failed (retry %d/%d): %v", o.cfg.RoomID, o.retries, o.cfg.MaxRetries, err)
	if retrying {
		o.retries++
		o.retry = o.loop.AfterFunc(o.cfg.RetryDelay, func() {
			o.retry = nil
			o.find()
			o.handler.RoomLookupRetried()
		})
		if o.retry == nil {
			retrying = false
		}
	}
	o.handler.RoomLookupFailed(err, retrying)
}

func (o *RoomObserver) observe(room models.Room) {
	if o.release != nil {
		o.release()
		o.release = nil
	}
	attrs := models.AttrsOf(room)
	o.last = &attrs
	o.handler.RoomObserved(room)

	ctx, release := o.loop.Subscribe()
	o.release = release
	o.gen++
	gen := o.gen
	eventloop.Async(o.loop, func(context.Context) (<-chan models.Room, error) {
		return o.store.ObserveRoom(ctx, room.ID)
	}, func(ch <-chan models.Room, err error) {
		if gen != o.gen {
			return
		}
		if err != nil {
			o.release()
			o.release = nil
			o.failed(err)
			return
		}
		go func() {
			for r := range ch {
				next := r
				o.loop.Post(func() { o.apply(gen, next) })
			}
		}()
	})
}

func (o *RoomObserver) apply(gen uint64, room models.Room) {
	if o.release == nil || gen != o.gen {
		return
	}
	next := models.AttrsOf(room)
	delta := Delta{Room: room, Attrs: next, Changed: true, RebuildHeader: true}
	if o.last != nil {
		delta.Changed = !o.last.Equal(next)
		delta.RebuildHeader = ShouldRebuildHeader(*o.last, next, o.cfg.Scope)
	}
	o.last = &next
	o.handler.RoomChanged(delta)
}
