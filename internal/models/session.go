package models

import "time"

// Screen names understood by navigation hosts.
const (
	ScreenRoomView        = "RoomView"
	ScreenRoomsListView   = "RoomsListView"
	ScreenRoomActionsView = "RoomActionsView"
	ScreenRoomInfoView    = "RoomInfoView"
)

// RouteParams are the navigation parameters a room session is mounted with.
type RouteParams struct {
	RoomID          string   `json:"rid" binding:"required"`
	Type            RoomType `json:"t" binding:"required"`
	ThreadID        string   `json:"tmid,omitempty"`
	Name            string   `json:"name,omitempty"`
	FName           string   `json:"fname,omitempty"`
	Prid            string   `json:"prid,omitempty"`
	RoomUserID      string   `json:"room_user_id,omitempty"`
	JumpToMessageID string   `json:"jump_to_message_id,omitempty"`
	JumpToThreadID  string   `json:"jump_to_thread_id,omitempty"`
	// Message preselects a message to reply to.
	Message *Message `json:"message,omitempty"`
	// Room is an already loaded record handed over by the previous screen.
	Room *Room `json:"room,omitempty"`
}

// OutcomeKind is the routing decision of a jump.
type OutcomeKind string

const (
	OutcomeNone             OutcomeKind = "none"
	OutcomeScrollInPlace    OutcomeKind = "scroll"
	OutcomeNavigateToRoom   OutcomeKind = "navigate_room"
	OutcomeNavigateToThread OutcomeKind = "navigate_thread"
)

// Outcome is the transient result of resolving a jump request.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	RoomID    string      `json:"rid,omitempty"`
	ThreadID  string      `json:"tmid,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	// Message is the resolved target; zero for OutcomeNone.
	Message MessageInfo `json:"-"`
	// LoadedSurroundings is set when the neighbours of a server-only
	// message were fetched before scrolling.
	LoadedSurroundings bool `json:"loaded_surroundings,omitempty"`
	// TimedOut is set when the scroll lost the race against the deadline.
	TimedOut bool `json:"timed_out,omitempty"`
}

// Header is the title bar model of a room session.
type Header struct {
	RoomID        string   `json:"rid"`
	ThreadID      string   `json:"tmid,omitempty"`
	Prid          string   `json:"prid,omitempty"`
	Title         string   `json:"title"`
	ParentTitle   string   `json:"parent_title,omitempty"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Type          RoomType `json:"t"`
	TeamMain      bool     `json:"team_main"`
	TeamID        string   `json:"team_id,omitempty"`
	Encrypted     bool     `json:"encrypted"`
	Joined        bool     `json:"joined"`
	UnreadsCount  *int     `json:"unreads_count,omitempty"`
	RoomUserID    string   `json:"room_user_id,omitempty"`
	Visitor       Visitor  `json:"visitor"`
	IsGroupChat   bool     `json:"is_group_chat"`
	NumIconsRight int      `json:"num_icons_right"`
}

// FooterMode tells the UI what sits below the message list.
type FooterMode string

const (
	FooterNone     FooterMode = "none"
	FooterPreview  FooterMode = "preview"
	FooterReadOnly FooterMode = "read_only"
	FooterBlocked  FooterMode = "blocked"
	FooterComposer FooterMode = "composer"
)

// SessionState is the render-relevant state of a room session.
type SessionState struct {
	Joined                bool       `json:"joined"`
	Room                  Room       `json:"room"`
	RoomUpdate            RoomAttrs  `json:"room_update"`
	Member                Member     `json:"member"`
	LastOpen              *time.Time `json:"last_open,omitempty"`
	ReactionsModalVisible bool       `json:"reactions_modal_visible"`
	SelectedMessage       *Message   `json:"selected_message,omitempty"`
	CanAutoTranslate      bool       `json:"can_auto_translate"`
	Loading               bool       `json:"loading"`
	ShowingBlockingLoader bool       `json:"showing_blocking_loader"`
	Editing               bool       `json:"editing"`
	Replying              bool       `json:"replying"`
	ReplyWithMention      bool       `json:"reply_with_mention"`
	Reacting              bool       `json:"reacting"`
	ReadOnly              bool       `json:"read_only"`
	UnreadsCount          *int       `json:"unreads_count,omitempty"`
	RoomUserID            string     `json:"room_user_id,omitempty"`
	Footer                FooterMode `json:"footer"`
}

// RenderChanged reports whether next differs from s in any attribute the
// view re-renders for.
func (s SessionState) RenderChanged(next SessionState) bool {
	if s.Joined != next.Joined ||
		!timePtrEqual(s.LastOpen, next.LastOpen) ||
		s.ReactionsModalVisible != next.ReactionsModalVisible ||
		s.CanAutoTranslate != next.CanAutoTranslate ||
		s.SelectedMessage != next.SelectedMessage ||
		s.Loading != next.Loading ||
		s.Editing != next.Editing ||
		s.Replying != next.Replying ||
		s.Reacting != next.Reacting ||
		s.ReadOnly != next.ReadOnly ||
		s.Member != next.Member ||
		s.ShowingBlockingLoader != next.ShowingBlockingLoader {
		return true
	}
	return !s.RoomUpdate.Equal(next.RoomUpdate)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
