package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/models"
	"room-service/internal/observability"
	"room-service/internal/session"
	"room-service/internal/view"
)

// Commands sent to the message list of an attached UI.
const (
	CommandShowJoinCode  = "show_join_code"
	CommandJumpToMessage = "jump_to_message"
	CommandCancelJump    = "cancel_jump"
	CommandRefreshQuery  = "refresh_query"
)

// Hub maintains the websocket sinks of mounted sessions.
type Hub struct {
	sinks map[string]*Sink
	mu    sync.RWMutex
}

var _ session.Hosts = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sinks: make(map[string]*Sink)}
}

// Attach creates the sink a new session renders into.
func (h *Hub) Attach(sessionID string) view.Host {
	s := newSink(sessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sinks[sessionID]; ok {
		old.close()
	}
	h.sinks[sessionID] = s
	return s
}

// Detach closes the sink of an unmounted session and its connections.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	s, ok := h.sinks[sessionID]
	delete(h.sinks, sessionID)
	h.mu.Unlock()
	if ok {
		s.close()
	}
}

// Sink returns the sink of a session.
func (h *Hub) Sink(sessionID string) (*Sink, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sinks[sessionID]
	return s, ok
}

// Len returns the number of sinks.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Sink is the view.Host of one session. It fans session output out to the
// websocket connections attached to it and keeps the latest state and
// header to replay to late connections.
type Sink struct {
	sessionID string

	mu      sync.Mutex
	writeMu sync.Mutex
	conns   map[*websocket.Conn]ConnInfo
	state   *models.SessionState
	header  *models.Header
	waiters map[string][]chan struct{}
	done    chan struct{}
	closed  bool
}

var _ view.Host = (*Sink)(nil)

func newSink(sessionID string) *Sink {
	return &Sink{
		sessionID: sessionID,
		conns:     make(map[*websocket.Conn]ConnInfo),
		waiters:   make(map[string][]chan struct{}),
		done:      make(chan struct{}),
	}
}

// Conns returns the number of attached connections.
func (s *Sink) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// AddConn attaches conn and replays the latest header and state to it.
func (s *Sink) AddConn(conn *websocket.Conn, info ConnInfo) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.conns[conn] = info
	var replay []models.SessionEvent
	if s.header != nil {
		h := *s.header
		replay = append(replay, models.SessionEvent{Type: models.EventHeader, SessionID: s.sessionID, Header: &h})
	}
	if s.state != nil {
		st := *s.state
		replay = append(replay, models.SessionEvent{Type: models.EventState, SessionID: s.sessionID, State: &st})
	}
	s.mu.Unlock()

	for _, ev := range replay {
		s.write(conn, ev)
	}
	return true
}

// RemoveConn detaches conn.
func (s *Sink) RemoveConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Sink) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	conns := s.conns
	s.conns = make(map[*websocket.Conn]ConnInfo)
	s.mu.Unlock()

	for conn := range conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
}

// Ack completes the pending jumps to messageID.
func (s *Sink) Ack(messageID string) {
	s.mu.Lock()
	waiters := s.waiters[messageID]
	delete(s.waiters, messageID)
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (s *Sink) Push(screen string, params models.RouteParams) {
	p := params
	s.broadcast(models.SessionEvent{Type: models.EventNavigate, Screen: screen, Route: &p})
}

func (s *Sink) Navigate(screen string) {
	s.broadcast(models.SessionEvent{Type: models.EventNavigate, Screen: screen})
}

func (s *Sink) Render(state models.SessionState) {
	st := state
	s.mu.Lock()
	s.state = &st
	s.mu.Unlock()
	s.broadcast(models.SessionEvent{Type: models.EventState, State: &st})
}

func (s *Sink) SetHeader(header models.Header) {
	h := header
	s.mu.Lock()
	s.header = &h
	s.mu.Unlock()
	s.broadcast(models.SessionEvent{Type: models.EventHeader, Header: &h})
}

func (s *Sink) ShowAlert(message string) {
	s.broadcast(models.SessionEvent{Type: models.EventAlert, Alert: message})
}

func (s *Sink) ShowJoinCode(roomID string) {
	s.broadcast(models.SessionEvent{Type: models.EventCommand, Command: CommandShowJoinCode, Route: &models.RouteParams{RoomID: roomID}})
}

func (s *Sink) JumpResult(outcome models.Outcome) {
	out := outcome
	s.broadcast(models.SessionEvent{Type: models.EventJumpResult, Outcome: &out})
}

// JumpToMessage asks the attached UI to scroll to messageID and waits for
// its acknowledgement.
func (s *Sink) JumpToMessage(ctx context.Context, messageID string) error {
	ch := make(chan struct{})
	s.mu.Lock()
	if s.closed || len(s.conns) == 0 {
		s.mu.Unlock()
		return view.ErrDetached
	}
	s.waiters[messageID] = append(s.waiters[messageID], ch)
	s.mu.Unlock()

	s.broadcast(models.SessionEvent{Type: models.EventCommand, Command: CommandJumpToMessage, MessageID: messageID})

	select {
	case <-ch:
		return nil
	case <-s.done:
		return view.ErrDetached
	case <-ctx.Done():
		s.dropWaiter(messageID, ch)
		return ctx.Err()
	}
}

func (s *Sink) dropWaiter(messageID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.waiters[messageID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(s.waiters, messageID)
		return
	}
	s.waiters[messageID] = waiters
}

func (s *Sink) CancelJumpToMessage() {
	s.broadcast(models.SessionEvent{Type: models.EventCommand, Command: CommandCancelJump})
}

func (s *Sink) RefreshQuery() {
	s.broadcast(models.SessionEvent{Type: models.EventCommand, Command: CommandRefreshQuery})
}

func (s *Sink) broadcast(ev models.SessionEvent) {
	ev.SessionID = s.sessionID
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return
	}
	observability.IncWSEvent(ev.Type)
	for _, conn := range conns {
		s.write(conn, ev)
	}
}

func (s *Sink) write(conn *websocket.Conn, ev models.SessionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		jww.ERROR.Printf("session %s: encode %s event: %v", s.sessionID, ev.Type, err)
		return
	}
	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		jww.WARN.Printf("session %s: websocket write error: %v", s.sessionID, err)
		_ = conn.Close()
		s.RemoveConn(conn)
		observability.IncWSEvent("ws_error")
	}
}
