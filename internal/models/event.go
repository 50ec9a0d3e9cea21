package models

// SessionEvent is pushed to the UI attached to a room session.
type SessionEvent struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id"`
	State     *SessionState `json:"state,omitempty"`
	Header    *Header       `json:"header,omitempty"`
	Screen    string        `json:"screen,omitempty"`
	Route     *RouteParams  `json:"route,omitempty"`
	Outcome   *Outcome      `json:"outcome,omitempty"`
	Alert     string        `json:"alert,omitempty"`
	Command   string        `json:"command,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
}

// Session event types.
const (
	EventState      = "state"
	EventHeader     = "header"
	EventNavigate   = "navigate"
	EventAlert      = "alert"
	EventCommand    = "command"
	EventJumpResult = "jump_result"
)
