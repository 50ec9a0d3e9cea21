// Package view declares the command surface a room session drives on the
// UI attached to it. The session never renders; it tells the host what to
// show and where to go.
package view

import (
	"context"

	"github.com/pkg/errors"

	"room-service/internal/models"
)

// ErrDetached is returned by commands that need an attached UI when none is.
var ErrDetached = errors.New("no ui attached")

// Navigator is the navigation host of a session.
type Navigator interface {
	// Push opens a new screen on top of the current one.
	Push(screen string, params models.RouteParams)
	// Navigate returns to an existing screen.
	Navigate(screen string)
}

// Renderer receives render-relevant session output.
type Renderer interface {
	Render(state models.SessionState)
	SetHeader(header models.Header)
	ShowAlert(message string)
	ShowJoinCode(roomID string)
	JumpResult(outcome models.Outcome)
}

// MessageList is the command surface of the message list component.
type MessageList interface {
	// JumpToMessage scrolls to and highlights a message. It returns when
	// the list reached it or ctx ended.
	JumpToMessage(ctx context.Context, messageID string) error
	// CancelJumpToMessage aborts a pending jump.
	CancelJumpToMessage()
	// RefreshQuery re-runs the list query, for instance after resuming.
	RefreshQuery()
}

// Host bundles everything a session drives.
type Host interface {
	Navigator
	Renderer
	MessageList
}
