package eventloop

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Gate lets the first trigger through and swallows the ones that follow
// within the window of the last accepted trigger.
type Gate struct {
	clock  clock.Clock
	window time.Duration

	mu       sync.Mutex
	last     time.Time
	accepted bool
}

// NewGate builds a leading-edge gate.
func NewGate(clk clock.Clock, window time.Duration) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	return &Gate{clock: clk, window: window}
}

// Allow reports whether a trigger arriving now should take effect.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if g.accepted && now.Sub(g.last) < g.window {
		return false
	}
	g.last = now
	g.accepted = true
	return true
}
