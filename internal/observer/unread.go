package observer

import (
	"context"

	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/eventloop"
	"room-service/internal/models"
	"room-service/internal/store"
)

// SumUnread totals the positive unread counters of rows.
func SumUnread(rows []models.UnreadRow) int {
	total := 0
	for _, r := range rows {
		if r.Unread > 0 {
			total += r.Unread
		}
	}
	return total
}

// UnreadCounter follows the unread total of every open, non-archived room
// except the session's own and reports value changes only. All methods
// must be called on the loop.
type UnreadCounter struct {
	loop      *eventloop.Loop
	store     store.Store
	excludeID string
	onChange  func(total int)

	last    *int
	gen     uint64
	release func()
}

// NewUnreadCounter constructs a counter; Start begins counting.
func NewUnreadCounter(loop *eventloop.Loop, st store.Store, excludeID string, onChange func(total int)) *UnreadCounter {
	return &UnreadCounter{loop: loop, store: st, excludeID: excludeID, onChange: onChange}
}

// Start subscribes to the aggregate. A failed subscription is logged and
// leaves the last known total in place.
func (c *UnreadCounter) Start() {
	if c.release != nil {
		return
	}
	ctx, release := c.loop.Subscribe()
	c.release = release
	c.gen++
	gen := c.gen
	eventloop.Async(c.loop, func(context.Context) (<-chan []models.UnreadRow, error) {
		return c.store.ObserveUnread(ctx, c.excludeID)
	}, func(ch <-chan []models.UnreadRow, err error) {
		if gen != c.gen {
			return
		}
		if err != nil {
			jww.WARN.Printf("room %s: unread counter unavailable: %v", c.excludeID, err)
			c.Stop()
			return
		}
		go func() {
			for rows := range ch {
				total := SumUnread(rows)
				c.loop.Post(func() { c.apply(gen, total) })
			}
		}()
	})
}

// Stop ends the subscription.
func (c *UnreadCounter) Stop() {
	c.gen++
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// Last returns the last reported total, nil before the first one.
func (c *UnreadCounter) Last() *int {
	return c.last
}

func (c *UnreadCounter) apply(gen uint64, total int) {
	if gen != c.gen {
		return
	}
	if c.last != nil && *c.last == total {
		return
	}
	c.last = &total
	c.onChange(total)
}
