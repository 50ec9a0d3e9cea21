package observer

import (
	"github.com/aquilax/truncate"

	"room-service/internal/models"
)

// SubtitleMaxLength bounds the topic shown under the header title.
const SubtitleMaxLength = 120

// HeaderScope is what a session knows about itself when deciding on a
// header rebuild: the room type it was opened with and whether it is a
// thread session.
type HeaderScope struct {
	Type     models.RoomType
	InThread bool
}

// ShouldRebuildHeader reports whether moving from prev to next changes
// anything the header displays.
func ShouldRebuildHeader(prev, next models.RoomAttrs, scope HeaderScope) bool {
	if scope.Type != models.RoomTypeDirect && prev.Topic != next.Topic {
		return true
	}
	if scope.Type == models.RoomTypeLivechat && prev.Visitor != next.Visitor {
		return true
	}
	if prev.TeamMain != next.TeamMain || prev.TeamID != next.TeamID {
		return true
	}
	if !scope.InThread && (prev.FName != next.FName || prev.Name != next.Name) {
		return true
	}
	return false
}

// HeaderInput is everything BuildHeader reads.
type HeaderInput struct {
	Route        models.RouteParams
	Room         models.Room
	Joined       bool
	UnreadsCount *int
	RoomUserID   string
	UseRealName  bool
	ShowUnread   bool
}

// BuildHeader derives the header model. It returns false while the room
// record is not known yet.
func BuildHeader(in HeaderInput) (models.Header, bool) {
	if in.Room.ID == "" {
		return models.Header{}, false
	}
	inThread := in.Route.ThreadID != ""

	title := in.Route.Name
	var parentTitle string
	if inThread {
		parentTitle = models.RoomTitle(in.Room, in.UseRealName)
	} else {
		title = models.RoomTitle(in.Room, in.UseRealName)
	}

	icons := 2
	switch {
	case inThread:
		icons = 1
	case models.IsTeamRoom(in.Room, in.Joined):
		icons = 3
	}

	h := models.Header{
		RoomID:        in.Room.ID,
		ThreadID:      in.Route.ThreadID,
		Prid:          in.Room.Prid,
		Title:         title,
		ParentTitle:   parentTitle,
		Subtitle:      truncate.Truncate(in.Room.Topic, SubtitleMaxLength, "...", truncate.PositionEnd),
		Type:          in.Room.Type,
		TeamMain:      in.Room.TeamMain,
		TeamID:        in.Room.TeamID,
		Encrypted:     in.Room.Encrypted,
		Joined:        in.Joined,
		RoomUserID:    in.RoomUserID,
		Visitor:       in.Room.Visitor(),
		IsGroupChat:   models.IsGroupChat(in.Room),
		NumIconsRight: icons,
	}
	if in.ShowUnread && in.UnreadsCount != nil {
		n := *in.UnreadsCount
		h.UnreadsCount = &n
	}
	return h, true
}
