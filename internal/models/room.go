package models

import (
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"
)

// RoomType identifies the kind of conversation a room holds.
type RoomType string

const (
	RoomTypeDirect   RoomType = "d"
	RoomTypeChannel  RoomType = "c"
	RoomTypeGroup    RoomType = "p"
	RoomTypeLivechat RoomType = "l"
	RoomTypeThread   RoomType = "thread"
)

// Visitor is the guest side of a livechat room.
type Visitor struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Room is the local subscription record of a conversation. It is owned by the
// store; sessions only hold read-only copies.
type Room struct {
	ID               string         `db:"id" json:"rid"`
	Type             RoomType       `db:"t" json:"t"`
	Name             string         `db:"name" json:"name"`
	FName            string         `db:"fname" json:"fname,omitempty"`
	Topic            string         `db:"topic" json:"topic,omitempty"`
	Announcement     string         `db:"announcement" json:"announcement,omitempty"`
	Prid             string         `db:"prid" json:"prid,omitempty"`
	Favorite         bool           `db:"f" json:"f"`
	ReadOnly         bool           `db:"ro" json:"ro"`
	Archived         bool           `db:"archived" json:"archived"`
	Blocked          bool           `db:"blocked" json:"blocked"`
	Blocker          bool           `db:"blocker" json:"blocker"`
	Open             bool           `db:"open" json:"open"`
	Broadcast        bool           `db:"broadcast" json:"broadcast"`
	Encrypted        bool           `db:"encrypted" json:"encrypted"`
	Alert            bool           `db:"alert" json:"alert"`
	Unread           int            `db:"unread" json:"unread"`
	UserMentions     int            `db:"user_mentions" json:"user_mentions"`
	TUnread          pq.StringArray `db:"tunread" json:"tunread,omitempty"`
	Muted            pq.StringArray `db:"muted" json:"muted,omitempty"`
	Ignored          pq.StringArray `db:"ignored" json:"ignored,omitempty"`
	Roles            pq.StringArray `db:"roles" json:"roles,omitempty"`
	SysMes           pq.StringArray `db:"sys_mes" json:"sys_mes,omitempty"`
	UIDs             pq.StringArray `db:"uids" json:"uids,omitempty"`
	JitsiTimeout     int64          `db:"jitsi_timeout" json:"jitsi_timeout,omitempty"`
	TeamID           string         `db:"team_id" json:"team_id,omitempty"`
	TeamMain         bool           `db:"team_main" json:"team_main"`
	JoinCodeRequired bool           `db:"join_code_required" json:"join_code_required"`
	BannerClosed     bool           `db:"banner_closed" json:"banner_closed"`
	AutoTranslate    bool           `db:"auto_translate" json:"auto_translate"`
	AutoTranslateLng string         `db:"auto_translate_language" json:"auto_translate_language,omitempty"`
	VisitorID        string         `db:"visitor_id" json:"visitor_id,omitempty"`
	VisitorUsername  string         `db:"visitor_username" json:"visitor_username,omitempty"`
	VisitorName      string         `db:"visitor_name" json:"visitor_name,omitempty"`
	VisitorStatus    string         `db:"visitor_status" json:"visitor_status,omitempty"`
	LastSeen         *time.Time     `db:"ls" json:"ls,omitempty"`
	DraftMessage     string         `db:"draft_message" json:"draft_message,omitempty"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// Visitor returns the livechat guest of the room, zero for other rooms.
func (r Room) Visitor() Visitor {
	return Visitor{ID: r.VisitorID, Username: r.VisitorUsername, Name: r.VisitorName, Status: r.VisitorStatus}
}

// HasUnread reports whether opening the room should keep the previous
// last-seen marker to draw the unread separator.
func (r Room) HasUnread() bool {
	return r.Alert || r.Unread > 0 || r.UserMentions > 0
}

// RoomAttrs is the allow-listed projection of a room that a session buffers
// as its last known delta. Anything outside this set never causes a re-render.
type RoomAttrs struct {
	Favorite         bool     `json:"f"`
	ReadOnly         bool     `json:"ro"`
	Blocked          bool     `json:"blocked"`
	Blocker          bool     `json:"blocker"`
	Archived         bool     `json:"archived"`
	TUnread          []string `json:"tunread,omitempty"`
	Muted            []string `json:"muted,omitempty"`
	Ignored          []string `json:"ignored,omitempty"`
	JitsiTimeout     int64    `json:"jitsi_timeout,omitempty"`
	Announcement     string   `json:"announcement,omitempty"`
	SysMes           []string `json:"sys_mes,omitempty"`
	Topic            string   `json:"topic,omitempty"`
	Name             string   `json:"name"`
	FName            string   `json:"fname,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	BannerClosed     bool     `json:"banner_closed"`
	Visitor          Visitor  `json:"visitor"`
	JoinCodeRequired bool     `json:"join_code_required"`
	TeamMain         bool     `json:"team_main"`
	TeamID           string   `json:"team_id,omitempty"`
}

// AttrsOf projects a room onto the watched attribute set.
func AttrsOf(r Room) RoomAttrs {
	return RoomAttrs{
		Favorite:         r.Favorite,
		ReadOnly:         r.ReadOnly,
		Blocked:          r.Blocked,
		Blocker:          r.Blocker,
		Archived:         r.Archived,
		TUnread:          slices.Clone([]string(r.TUnread)),
		Muted:            slices.Clone([]string(r.Muted)),
		Ignored:          slices.Clone([]string(r.Ignored)),
		JitsiTimeout:     r.JitsiTimeout,
		Announcement:     r.Announcement,
		SysMes:           slices.Clone([]string(r.SysMes)),
		Topic:            r.Topic,
		Name:             r.Name,
		FName:            r.FName,
		Roles:            slices.Clone([]string(r.Roles)),
		BannerClosed:     r.BannerClosed,
		Visitor:          r.Visitor(),
		JoinCodeRequired: r.JoinCodeRequired,
		TeamMain:         r.TeamMain,
		TeamID:           r.TeamID,
	}
}

// Equal compares two projections attribute by attribute, treating nil and
// empty lists alike.
func (a RoomAttrs) Equal(b RoomAttrs) bool {
	return a.Favorite == b.Favorite &&
		a.ReadOnly == b.ReadOnly &&
		a.Blocked == b.Blocked &&
		a.Blocker == b.Blocker &&
		a.Archived == b.Archived &&
		slices.Equal(a.TUnread, b.TUnread) &&
		slices.Equal(a.Muted, b.Muted) &&
		slices.Equal(a.Ignored, b.Ignored) &&
		a.JitsiTimeout == b.JitsiTimeout &&
		a.Announcement == b.Announcement &&
		slices.Equal(a.SysMes, b.SysMes) &&
		a.Topic == b.Topic &&
		a.Name == b.Name &&
		a.FName == b.FName &&
		slices.Equal(a.Roles, b.Roles) &&
		a.BannerClosed == b.BannerClosed &&
		a.Visitor == b.Visitor &&
		a.JoinCodeRequired == b.JoinCodeRequired &&
		a.TeamMain == b.TeamMain &&
		a.TeamID == b.TeamID
}

// UnreadRow is one row of the unread aggregate query.
type UnreadRow struct {
	RoomID string `db:"id" json:"rid"`
	Unread int    `db:"unread" json:"unread"`
}

// User is the authenticated account a session acts for.
type User struct {
	ID                      string `json:"id"`
	Username                string `json:"username"`
	Token                   string `json:"-"`
	ShowMessageInMainThread bool   `json:"show_message_in_main_thread"`
	CanPostReadOnly         bool   `json:"can_post_readonly"`
}

// Member is the counterpart of a 1:1 direct room.
type Member struct {
	ID         string `json:"id,omitempty"`
	Username   string `json:"username,omitempty"`
	Name       string `json:"name,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

// RoomTitle returns the name shown for a room.
func RoomTitle(r Room, useRealName bool) string {
	if (useRealName || r.Prid != "") && r.FName != "" {
		return r.FName
	}
	return r.Name
}

// IsBlocked reports whether a direct room is blocked from either side.
func IsBlocked(r Room) bool {
	return r.Type == RoomTypeDirect && (r.Blocked || r.Blocker)
}

// IsGroupChat reports whether a direct room has more than two participants.
func IsGroupChat(r Room) bool {
	return r.Type == RoomTypeDirect && len(r.UIDs) > 2
}

// IsTeamRoom reports whether the team header button applies.
func IsTeamRoom(r Room, joined bool) bool {
	return r.TeamID != "" && joined
}

// IsReadOnly derives the composer lock for the user.
func IsReadOnly(r Room, u User) bool {
	if r.Archived {
		return true
	}
	if u.Username != "" && slices.Contains(r.Muted, u.Username) {
		return true
	}
	return r.ReadOnly && !u.CanPostReadOnly
}

// DirectMessageUserID returns the other participant of a direct room.
func DirectMessageUserID(r Room, selfID string) string {
	if r.Type != RoomTypeDirect {
		return ""
	}
	for _, uid := range r.UIDs {
		if uid != selfID {
			return uid
		}
	}
	if selfID == "" {
		return ""
	}
	return strings.Replace(r.ID, selfID, "", 1)
}
