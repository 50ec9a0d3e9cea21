package grpc

import (
	"context"
	"sync/atomic"

	jww "github.com/spf13/jwalterweatherman"
	"google.golang.org/grpc/connectivity"

	"room-service/internal/events"
)

// stateConn is the part of *grpc.ClientConn the monitor watches.
type stateConn interface {
	GetState() connectivity.State
	WaitForStateChange(ctx context.Context, source connectivity.State) bool
	Connect()
}

// ConnectivityMonitor tracks the remote connection and publishes
// events.TopicConnected on every transition into Ready.
type ConnectivityMonitor struct {
	conn      stateConn
	bus       events.Bus
	connected atomic.Bool
}

// NewConnectivityMonitor constructs a monitor for conn.
func NewConnectivityMonitor(conn stateConn, bus events.Bus) *ConnectivityMonitor {
	return &ConnectivityMonitor{conn: conn, bus: bus}
}

// IsConnected reports whether the connection was Ready when last observed.
func (m *ConnectivityMonitor) IsConnected() bool {
	return m.connected.Load()
}

// Run watches state changes until ctx is done.
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	m.conn.Connect()
	state := m.conn.GetState()
	for {
		m.observe(ctx, state)
		if !m.conn.WaitForStateChange(ctx, state) {
			return
		}
		state = m.conn.GetState()
	}
}

func (m *ConnectivityMonitor) observe(ctx context.Context, state connectivity.State) {
	ready := state == connectivity.Ready
	was := m.connected.Swap(ready)
	switch {
	case ready && !was:
		jww.INFO.Println("chat api connected")
		if err := m.bus.Publish(ctx, events.Event{Topic: events.TopicConnected}); err != nil {
			jww.WARN.Printf("publish connected: %v", err)
		}
	case !ready && was:
		jww.WARN.Printf("chat api connection %s", state)
	case state == connectivity.Idle:
		m.conn.Connect()
	}
}
