package ws

import "time"

// ConnInfo describes one websocket attached to a session sink.
type ConnInfo struct {
	ConnID      string
	SessionID   string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
