package session

import (
	"context"
	"slices"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/eventloop"
	grpcclient "room-service/internal/grpc"
	"room-service/internal/models"
	"room-service/internal/reconciler"
	"room-service/internal/store"
	"room-service/internal/telemetry"
)

// Send posts a message to the room, or to the session's thread. tmid picks
// a thread from a room session.
func (s *Session) Send(text, tmid string, tshow bool) error {
	return s.dispatch(func() {
		rid := s.route.RoomID
		thread := s.route.ThreadID
		if thread == "" {
			thread = tmid
		}
		if s.state.Replying {
			s.replyCancel()
		}
		eventloop.Async(s.loop, func(ctx context.Context) (models.Message, error) {
			return s.deps.Services.SendMessage(ctx, rid, text, thread, tshow)
		}, func(msg models.Message, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: send to %s failed: %v", s.id, rid, err)
				return
			}
			s.update(func(st *models.SessionState) {
				st.LastOpen = nil
			})
			s.emit(s.loop.Context(), telemetry.EventMessageSent, msg.ID)
		})
	})
}

// EditInit puts the composer in edit mode for msg.
func (s *Session) EditInit(msg models.Message) error {
	return s.dispatch(func() {
		s.update(func(st *models.SessionState) {
			st.SelectedMessage = &msg
			st.Editing = true
		})
	})
}

// EditCancel leaves edit mode.
func (s *Session) EditCancel() error {
	return s.dispatch(s.editCancel)
}

func (s *Session) editCancel() {
	s.update(func(st *models.SessionState) {
		st.SelectedMessage = nil
		st.Editing = false
	})
}

// EditRequest leaves edit mode and saves the new text of a message.
func (s *Session) EditRequest(messageID, text string) error {
	return s.dispatch(func() {
		s.editCancel()
		rid := s.route.RoomID
		api := s.deps.Services.API()
		eventloop.Async(s.loop, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, api.EditMessage(ctx, messageID, rid, text)
		}, func(_ struct{}, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: edit %s failed: %v", s.id, messageID, err)
			}
		})
	})
}

// ReplyInit puts the composer in reply mode for msg.
func (s *Session) ReplyInit(msg models.Message, mention bool) error {
	return s.dispatch(func() { s.replyInit(msg, mention) })
}

func (s *Session) replyInit(msg models.Message, mention bool) {
	s.update(func(st *models.SessionState) {
		st.SelectedMessage = &msg
		st.Replying = true
		st.ReplyWithMention = mention
	})
}

// ReplyCancel leaves reply mode.
func (s *Session) ReplyCancel() error {
	return s.dispatch(s.replyCancel)
}

func (s *Session) replyCancel() {
	s.update(func(st *models.SessionState) {
		st.SelectedMessage = nil
		st.Replying = false
		st.ReplyWithMention = false
	})
}

// ReplyLatest starts a reply to the newest message of the room or thread.
func (s *Session) ReplyLatest() error {
	return s.dispatch(func() {
		rid, tmid := s.route.RoomID, s.route.ThreadID
		eventloop.Async(s.loop, func(ctx context.Context) (models.Message, error) {
			return s.deps.Store.LastMessage(ctx, rid, tmid)
		}, func(msg models.Message, err error) {
			if err != nil {
				jww.DEBUG.Printf("session %s: no message to reply to: %v", s.id, err)
				return
			}
			s.replyInit(msg, false)
		})
	})
}

// ReactionInit opens the emoji picker for msg.
func (s *Session) ReactionInit(msg models.Message) error {
	return s.dispatch(func() {
		s.update(func(st *models.SessionState) {
			st.SelectedMessage = &msg
			st.Reacting = true
		})
	})
}

// ReactionClose closes the emoji picker.
func (s *Session) ReactionClose() error {
	return s.dispatch(s.reactionClose)
}

func (s *Session) reactionClose() {
	s.update(func(st *models.SessionState) {
		st.SelectedMessage = nil
		st.Reacting = false
	})
}

// ReactionPress toggles a reaction and closes the picker once the server
// accepted it.
func (s *Session) ReactionPress(shortname, messageID string) error {
	return s.dispatch(func() {
		api := s.deps.Services.API()
		eventloop.Async(s.loop, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, api.SetReaction(ctx, shortname, messageID)
		}, func(_ struct{}, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: reaction %s on %s failed: %v", s.id, shortname, messageID, err)
				return
			}
			s.reactionClose()
		})
	})
}

// ReactionLongPress opens the reactions list of msg.
func (s *Session) ReactionLongPress(msg models.Message) error {
	return s.dispatch(func() {
		s.update(func(st *models.SessionState) {
			st.SelectedMessage = &msg
			st.ReactionsModalVisible = true
		})
	})
}

// CloseReactionsModal closes the reactions list.
func (s *Session) CloseReactionsModal() error {
	return s.dispatch(func() {
		s.update(func(st *models.SessionState) {
			st.SelectedMessage = nil
			st.ReactionsModalVisible = false
		})
	})
}

// JumpToMessage resolves req and scrolls to or navigates to the message.
func (s *Session) JumpToMessage(req reconciler.Request) error {
	return s.dispatch(func() { s.jump(req) })
}

type jumpResult struct {
	outcome models.Outcome
	room    models.Room
}

func (s *Session) jump(req reconciler.Request) {
	s.update(func(st *models.SessionState) {
		st.ShowingBlockingLoader = true
	})
	scope := reconciler.Scope{RoomID: s.route.RoomID, ThreadID: s.route.ThreadID}
	list := s.host
	eventloop.Async(s.loop, func(ctx context.Context) (jumpResult, error) {
		out, err := s.jumps.Resolve(ctx, scope, req)
		if err != nil {
			return jumpResult{outcome: out}, err
		}
		res := jumpResult{outcome: out}
		switch out.Kind {
		case models.OutcomeScrollInPlace:
			res.outcome.TimedOut = s.jumps.Scroll(ctx, list, out.MessageID)
		case models.OutcomeNavigateToRoom:
			res.room, err = s.deps.Services.GetRoomInfo(ctx, out.RoomID)
		}
		return res, err
	}, func(res jumpResult, err error) {
		s.update(func(st *models.SessionState) {
			st.ShowingBlockingLoader = false
		})
		if err != nil {
			jww.WARN.Printf("session %s: jump to %s%s failed: %v", s.id, req.MessageID, req.URL, err)
			s.host.CancelJumpToMessage()
			s.host.JumpResult(models.Outcome{Kind: models.OutcomeNone})
			return
		}
		out := res.outcome
		s.host.JumpResult(out)
		s.emit(s.loop.Context(), telemetry.EventJumpResolved, string(out.Kind))
		switch out.Kind {
		case models.OutcomeNavigateToRoom:
			s.goRoom(res.room, out.MessageID)
		case models.OutcomeNavigateToThread:
			s.navToThread(out.Message.Message)
		}
	})
}

func (s *Session) goRoom(room models.Room, jumpTo string) {
	r := room
	s.host.Push(models.ScreenRoomView, models.RouteParams{
		RoomID:          room.ID,
		Type:            room.Type,
		Name:            models.RoomTitle(room, s.cfg.UseRealName),
		FName:           room.FName,
		Prid:            room.Prid,
		JumpToMessageID: jumpTo,
		Room:            &r,
	})
}

// navToThread opens the thread item belongs to, or the thread item roots.
func (s *Session) navToThread(item models.Message) {
	rid := s.route.RoomID
	roomUserID := s.state.RoomUserID
	if item.ThreadID != "" {
		push := func(name string) {
			if item.Type == models.E2EMessageType && item.E2E != models.E2EStatusDone {
				name = EncryptedThreadName
			}
			if name == "" {
				return
			}
			s.host.Push(models.ScreenRoomView, models.RouteParams{
				RoomID:          rid,
				ThreadID:        item.ThreadID,
				Name:            name,
				Type:            models.RoomTypeThread,
				RoomUserID:      roomUserID,
				JumpToMessageID: item.ID,
			})
		}
		if item.ThreadMsg != "" {
			push(item.ThreadMsg)
			return
		}
		eventloop.Async(s.loop, func(ctx context.Context) (string, error) {
			return s.deps.Services.GetThreadName(ctx, rid, item.ThreadID, item.ID)
		}, func(name string, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: thread %s name: %v", s.id, item.ThreadID, err)
				return
			}
			push(name)
		})
		return
	}
	if item.ThreadLastMessage != nil {
		s.host.Push(models.ScreenRoomView, models.RouteParams{
			RoomID:     rid,
			ThreadID:   item.ID,
			Name:       models.MakeThreadName(item),
			Type:       models.RoomTypeThread,
			RoomUserID: roomUserID,
		})
	}
}

// ThreadPress opens a thread. Presses within the debounce window of the
// last accepted one are dropped.
func (s *Session) ThreadPress(item models.Message) error {
	return s.dispatch(func() {
		if !s.threadGate.Allow() {
			return
		}
		s.navToThread(item)
	})
}

// DiscussionPress opens the discussion room drid, debounced like threads.
func (s *Session) DiscussionPress(drid string) error {
	return s.dispatch(func() {
		if !s.discussionGate.Allow() {
			return
		}
		eventloop.Async(s.loop, func(ctx context.Context) (models.Room, error) {
			return s.deps.Services.GetRoomInfo(ctx, drid)
		}, func(room models.Room, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: discussion %s: %v", s.id, drid, err)
				return
			}
			s.goRoom(room, "")
		})
	})
}

// JoinRoom joins the room the session previews.
func (s *Session) JoinRoom() error {
	return s.dispatch(func() { s.join("") })
}

// SubmitJoinCode joins a room that requires a join code.
func (s *Session) SubmitJoinCode(code string) error {
	return s.dispatch(func() { s.join(code) })
}

func (s *Session) join(code string) {
	room := s.state.Room
	if room.ID == "" {
		room = models.Room{ID: s.route.RoomID, Type: s.route.Type}
	}
	s.lifecycle.Join(room, s.route.Type, code)
}

// CloseBanner hides the announcement banner of the room.
func (s *Session) CloseBanner() error {
	return s.dispatch(func() {
		rid := s.route.RoomID
		eventloop.Async(s.loop, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.deps.Store.RunInTransaction(ctx, func(tx store.Tx) error {
				return tx.UpdateRoom(rid, func(r *models.Room) {
					r.BannerClosed = true
				})
			})
		}, func(_ struct{}, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: close banner of %s: %v", s.id, rid, err)
			}
		})
	})
}

// TriggerBlockAction runs an interactive message block in this room.
func (s *Session) TriggerBlockAction(action grpcclient.BlockAction) error {
	return s.dispatch(func() {
		action.RoomID = s.route.RoomID
		api := s.deps.Services.API()
		eventloop.Async(s.loop, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, api.TriggerBlockAction(ctx, action)
		}, func(_ struct{}, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: block action %s failed: %v", s.id, action.ActionID, err)
			}
		})
	})
}

// ToggleFollowThread flips the follow state of a thread; an empty tmid
// means the session's own thread.
func (s *Session) ToggleFollowThread(isFollowing bool, tmid string) error {
	return s.dispatch(func() {
		if tmid == "" {
			tmid = s.route.ThreadID
		}
		if tmid == "" {
			return
		}
		api := s.deps.Services.API()
		eventloop.Async(s.loop, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, api.ToggleFollowMessage(ctx, tmid, !isFollowing)
		}, func(_ struct{}, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: follow %s failed: %v", s.id, tmid, err)
			}
		})
	})
}

// LoadMore fetches the page of messages older than before.
func (s *Session) LoadMore(before time.Time) error {
	return s.dispatch(func() {
		rid, tmid := s.route.RoomID, s.route.ThreadID
		eventloop.Async(s.loop, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.deps.Services.GetMoreMessages(ctx, rid, tmid, before)
		}, func(_ struct{}, err error) {
			if err != nil {
				jww.WARN.Printf("session %s: load more of %s failed: %v", s.id, rid, err)
			}
		})
	})
}

// AppForeground refreshes the list after the app resumed.
func (s *Session) AppForeground() error {
	return s.dispatch(s.host.RefreshQuery)
}

// UpdateRoute applies new navigation parameters. A new jump target or
// thread target is acted upon; the room and thread of a session never
// change.
func (s *Session) UpdateRoute(params models.RouteParams) error {
	return s.dispatch(func() {
		prev := s.route
		s.route.JumpToMessageID = params.JumpToMessageID
		s.route.JumpToThreadID = params.JumpToThreadID
		if params.Name != "" {
			s.route.Name = params.Name
		}
		if params.JumpToMessageID != "" && params.JumpToMessageID != prev.JumpToMessageID {
			s.jump(reconciler.Request{MessageID: params.JumpToMessageID})
		}
		if params.JumpToThreadID != "" && params.JumpToThreadID != prev.JumpToThreadID {
			s.navToThread(models.Message{ThreadID: params.JumpToThreadID})
		}
	})
}

// IsIgnored reports whether msg was written by a user the room ignores.
func (s *Session) IsIgnored(msg models.Message) (bool, error) {
	var ignored bool
	if err := s.loop.Do(func() {
		ignored = msg.UserID != "" && slices.Contains(s.state.Room.Ignored, msg.UserID)
	}); err != nil {
		return false, ErrSessionNotFound
	}
	return ignored, nil
}
