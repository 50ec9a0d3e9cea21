package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	grpcclient "room-service/internal/grpc"
	"room-service/internal/middleware"
	"room-service/internal/models"
	"room-service/internal/reconciler"
	"room-service/internal/session"
)

// SessionRegistry mounts and looks up room sessions.
type SessionRegistry interface {
	Mount(ctx context.Context, user models.User, params models.RouteParams) (*session.Session, error)
	Get(id string) (*session.Session, error)
	Unmount(ctx context.Context, id, composerText string, editing bool) error
}

// SessionHandler exposes room sessions over HTTP.
type SessionHandler struct {
	sessions SessionRegistry
}

// NewSessionHandler builds a SessionHandler.
func NewSessionHandler(sessions SessionRegistry) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Register wires the session routes behind auth.
func (h *SessionHandler) Register(r gin.IRoutes) {
	r.POST("/sessions", h.Mount)
	r.GET("/sessions/:session_id", h.Snapshot)
	r.PATCH("/sessions/:session_id/route", h.UpdateRoute)
	r.DELETE("/sessions/:session_id", h.Unmount)
	r.POST("/sessions/:session_id/messages", h.Send)
	r.POST("/sessions/:session_id/jump", h.Jump)
	r.POST("/sessions/:session_id/join", h.Join)
	r.POST("/sessions/:session_id/reactions", h.React)
	r.POST("/sessions/:session_id/threads", h.OpenThread)
	r.POST("/sessions/:session_id/discussions", h.OpenDiscussion)
	r.POST("/sessions/:session_id/edit", h.Edit)
	r.POST("/sessions/:session_id/edit-mode", h.StartEdit)
	r.DELETE("/sessions/:session_id/edit-mode", h.CancelEdit)
	r.POST("/sessions/:session_id/reaction-picker", h.OpenReactionPicker)
	r.DELETE("/sessions/:session_id/reaction-picker", h.CloseReactionPicker)
	r.POST("/sessions/:session_id/reactions-modal", h.OpenReactionsModal)
	r.DELETE("/sessions/:session_id/reactions-modal", h.CloseReactionsModal)
	r.POST("/sessions/:session_id/ignored", h.Ignored)
	r.POST("/sessions/:session_id/reply", h.Reply)
	r.POST("/sessions/:session_id/follow", h.Follow)
	r.POST("/sessions/:session_id/block-actions", h.BlockAction)
	r.POST("/sessions/:session_id/more", h.LoadMore)
	r.POST("/sessions/:session_id/foreground", h.Foreground)
	r.POST("/sessions/:session_id/banner/close", h.CloseBanner)
}

// Mount opens a session for the authenticated user.
func (h *SessionHandler) Mount(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return
	}
	var params models.RouteParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.sessions.Mount(c.Request.Context(), user, params)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRoute) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		jww.ERROR.Printf("[%s] mount %s failed: %v", requestIDFromContext(c), params.RoomID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not open room"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": s.ID()})
}

// Snapshot returns the current state of a session.
func (h *SessionHandler) Snapshot(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// UpdateRoute applies new jump targets to a session.
func (h *SessionHandler) UpdateRoute(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Name            string `json:"name"`
		JumpToMessageID string `json:"jump_to_message_id"`
		JumpToThreadID  string `json:"jump_to_thread_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.UpdateRoute(models.RouteParams{
		Name:            req.Name,
		JumpToMessageID: req.JumpToMessageID,
		JumpToThreadID:  req.JumpToThreadID,
	}))
}

// Unmount closes a session, keeping the composer text as draft.
func (h *SessionHandler) Unmount(c *gin.Context) {
	if _, ok := h.session(c); !ok {
		return
	}
	var req struct {
		ComposerText string `json:"composer_text"`
		Editing      bool   `json:"editing"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.sessions.Unmount(c.Request.Context(), c.Param("session_id"), req.ComposerText, req.Editing); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Send posts a message to the session's room or thread.
func (h *SessionHandler) Send(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Msg   string `json:"msg" binding:"required"`
		Tmid  string `json:"tmid"`
		Tshow bool   `json:"tshow"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.Send(req.Msg, req.Tmid, req.Tshow))
}

// Jump resolves a message id or message link and moves to it.
func (h *SessionHandler) Jump(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req reconciler.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MessageID == "" && req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_id or url is required"})
		return
	}
	h.accepted(c, s.JumpToMessage(req))
}

// Join joins the previewed room, with a join code when one is given.
func (h *SessionHandler) Join(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		JoinCode string `json:"join_code"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.JoinCode != "" {
		h.accepted(c, s.SubmitJoinCode(req.JoinCode))
		return
	}
	h.accepted(c, s.JoinRoom())
}

// React toggles a reaction on a message.
func (h *SessionHandler) React(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Shortname string `json:"shortname" binding:"required"`
		MessageID string `json:"message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.ReactionPress(req.Shortname, req.MessageID))
}

// OpenThread opens the thread a message belongs to or roots.
func (h *SessionHandler) OpenThread(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.ThreadID == "" && msg.ThreadLastMessage == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is not part of a thread"})
		return
	}
	h.accepted(c, s.ThreadPress(msg))
}

// OpenDiscussion opens a discussion room.
func (h *SessionHandler) OpenDiscussion(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Drid string `json:"drid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.DiscussionPress(req.Drid))
}

// Edit saves the new text of a message.
func (h *SessionHandler) Edit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		MessageID string `json:"message_id" binding:"required"`
		Msg       string `json:"msg" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.EditRequest(req.MessageID, req.Msg))
}

// StartEdit puts the composer in edit mode for a message.
func (h *SessionHandler) StartEdit(c *gin.Context) {
	s, msg, ok := h.sessionMessage(c)
	if !ok {
		return
	}
	h.accepted(c, s.EditInit(msg))
}

// CancelEdit leaves edit mode.
func (h *SessionHandler) CancelEdit(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.accepted(c, s.EditCancel())
}

// OpenReactionPicker opens the emoji picker for a message.
func (h *SessionHandler) OpenReactionPicker(c *gin.Context) {
	s, msg, ok := h.sessionMessage(c)
	if !ok {
		return
	}
	h.accepted(c, s.ReactionInit(msg))
}

// CloseReactionPicker closes the emoji picker.
func (h *SessionHandler) CloseReactionPicker(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.accepted(c, s.ReactionClose())
}

// OpenReactionsModal shows who reacted to a message.
func (h *SessionHandler) OpenReactionsModal(c *gin.Context) {
	s, msg, ok := h.sessionMessage(c)
	if !ok {
		return
	}
	h.accepted(c, s.ReactionLongPress(msg))
}

// CloseReactionsModal hides the reactions list.
func (h *SessionHandler) CloseReactionsModal(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.accepted(c, s.CloseReactionsModal())
}

// Ignored reports whether a message comes from a user the room ignores.
func (h *SessionHandler) Ignored(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ignored, err := s.IsIgnored(msg)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ignored": ignored})
}

// Reply starts a reply to a message, or to the latest one.
func (h *SessionHandler) Reply(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Message *models.Message `json:"message"`
		Mention bool            `json:"mention"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Message == nil {
		h.accepted(c, s.ReplyLatest())
		return
	}
	h.accepted(c, s.ReplyInit(*req.Message, req.Mention))
}

// Follow flips the follow state of a thread.
func (h *SessionHandler) Follow(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Tmid        string `json:"tmid"`
		IsFollowing bool   `json:"is_following"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.ToggleFollowThread(req.IsFollowing, req.Tmid))
}

// BlockAction runs an interactive message block.
func (h *SessionHandler) BlockAction(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var action grpcclient.BlockAction
	if err := c.ShouldBindJSON(&action); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if action.ActionID == "" || action.AppID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action_id and app_id are required"})
		return
	}
	h.accepted(c, s.TriggerBlockAction(action))
}

// LoadMore fetches older messages.
func (h *SessionHandler) LoadMore(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		Before time.Time `json:"before" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.accepted(c, s.LoadMore(req.Before))
}

// Foreground refreshes the session after the app resumed.
func (h *SessionHandler) Foreground(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.accepted(c, s.AppForeground())
}

// CloseBanner hides the announcement banner.
func (h *SessionHandler) CloseBanner(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	h.accepted(c, s.CloseBanner())
}

// session resolves the session of the request and checks that it belongs
// to the authenticated user. It writes the error response itself.
func (h *SessionHandler) session(c *gin.Context) (*session.Session, bool) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
		return nil, false
	}
	s, err := h.sessions.Get(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	if s.User().ID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for session"})
		return nil, false
	}
	return s, true
}

// sessionMessage resolves the session and binds the message the request
// acts on.
func (h *SessionHandler) sessionMessage(c *gin.Context) (*session.Session, models.Message, bool) {
	s, ok := h.session(c)
	if !ok {
		return nil, models.Message{}, false
	}
	var msg models.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, models.Message{}, false
	}
	if msg.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id is required"})
		return nil, models.Message{}, false
	}
	return s, msg, true
}

func (h *SessionHandler) accepted(c *gin.Context, err error) {
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}
