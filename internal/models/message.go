package models

import "time"

// Message represents a chat message as cached in the local store.
type Message struct {
	ID                string     `db:"id" json:"id"`
	RoomID            string     `db:"rid" json:"rid"`
	ThreadID          string     `db:"tmid" json:"tmid,omitempty"`
	ThreadMsg         string     `db:"tmsg" json:"tmsg,omitempty"`
	ThreadLastMessage *time.Time `db:"tlm" json:"tlm,omitempty"`
	Msg               string     `db:"msg" json:"msg"`
	Type              string     `db:"t" json:"t,omitempty"`
	E2E               string     `db:"e2e" json:"e2e,omitempty"`
	UserID            string     `db:"user_id" json:"user_id,omitempty"`
	Username          string     `db:"username" json:"username,omitempty"`
	CreatedAt         time.Time  `db:"ts" json:"ts"`
}

// Thread is the local record of a thread, keyed by its parent message id.
type Thread struct {
	ID           string    `db:"id" json:"id"`
	RoomID       string    `db:"rid" json:"rid"`
	Msg          string    `db:"msg" json:"msg"`
	DraftMessage string    `db:"draft_message" json:"draft_message,omitempty"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// MessageInfo is the result of looking a message up for a jump.
type MessageInfo struct {
	Message
	// FromServer marks a message that was only found remotely and has no
	// neighbours in the local list yet.
	FromServer bool `json:"from_server"`
}

const (
	// E2EMessageType is the message type of end-to-end encrypted messages.
	E2EMessageType = "e2e"
	// E2EStatusDone marks an encrypted message that was decrypted locally.
	E2EStatusDone = "done"
)

// MakeThreadName returns a display name for a thread rooted at msg.
func MakeThreadName(m Message) string {
	if m.Msg != "" {
		return m.Msg
	}
	return "Thread"
}

// ShowUnreadSeparator reports whether the unread marker goes below item.
// prev is nil for the newest item in the list.
func ShowUnreadSeparator(item time.Time, prev *time.Time, lastOpen *time.Time) bool {
	if lastOpen == nil {
		return false
	}
	if prev == nil {
		return item.After(*lastOpen)
	}
	return !item.Before(*lastOpen) && prev.Before(*lastOpen)
}

// ShowDateSeparator reports whether item starts a new calendar day.
func ShowDateSeparator(item time.Time, prev *time.Time) bool {
	if prev == nil {
		return true
	}
	y1, m1, d1 := item.Date()
	y2, m2, d2 := prev.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}
