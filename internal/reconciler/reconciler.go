// Package reconciler resolves jump requests to a message into a routing
// outcome and drives the scroll race against the message list.
package reconciler

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"room-service/internal/models"
	"room-service/internal/observability"
	"room-service/internal/view"
)

// DefaultJumpTimeout bounds how long a scroll may take before it is
// cancelled.
const DefaultJumpTimeout = 5 * time.Second

// DeepLinkParam is the query parameter carrying the message id of a link.
const DeepLinkParam = "msg"

// ErrNoMessageID is returned when a request carries no usable message id.
var ErrNoMessageID = errors.New("no message id")

// Lookup finds messages locally first and remotely second.
type Lookup interface {
	GetMessageInfo(ctx context.Context, messageID string) (models.MessageInfo, error)
	LoadSurroundingMessages(ctx context.Context, messageID, roomID string) error
}

// Scope is the room and thread a session shows.
type Scope struct {
	RoomID   string
	ThreadID string
}

// Request asks to jump to a message by id or by deep link.
type Request struct {
	MessageID string `json:"message_id"`
	URL       string `json:"url"`
}

// ParseDeepLink extracts the message id of a message link.
func ParseDeepLink(raw string) (string, error) {
	if raw == "" {
		return "", ErrNoMessageID
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse message link")
	}
	id := u.Query().Get(DeepLinkParam)
	if id == "" {
		return "", ErrNoMessageID
	}
	return id, nil
}

// Decide routes a resolved message relative to the session scope.
//
// A message of the shown thread, or a room-level message of the shown room,
// is scrolled to in place. A message of another room navigates to that
// room; a message of another thread of this room opens that thread. A
// room-level message seen from a thread session opens the thread it roots,
// when it roots one.
func Decide(scope Scope, msg models.MessageInfo) models.Outcome {
	out := models.Outcome{RoomID: msg.RoomID, MessageID: msg.ID, Message: msg}
	switch {
	case msg.ThreadID != "" && msg.ThreadID == scope.ThreadID:
		out.Kind = models.OutcomeScrollInPlace
		out.ThreadID = msg.ThreadID
	case msg.RoomID != scope.RoomID:
		out.Kind = models.OutcomeNavigateToRoom
	case msg.ThreadID != "":
		out.Kind = models.OutcomeNavigateToThread
		out.ThreadID = msg.ThreadID
	case scope.ThreadID == "":
		out.Kind = models.OutcomeScrollInPlace
	case msg.ThreadLastMessage != nil:
		out.Kind = models.OutcomeNavigateToThread
		out.ThreadID = msg.ID
	default:
		out.Kind = models.OutcomeNone
	}
	return out
}

// Reconciler resolves jumps for one session. It is safe for concurrent use.
type Reconciler struct {
	lookup  Lookup
	clock   clock.Clock
	timeout time.Duration
	tracer  trace.Tracer

	mu sync.Mutex
	// fetched remembers messages that only the server had, so a repeated
	// jump does not look them up or load their surroundings again.
	fetched map[string]models.MessageInfo
}

// New constructs a Reconciler. A zero timeout selects DefaultJumpTimeout.
func New(lookup Lookup, clk clock.Clock, timeout time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultJumpTimeout
	}
	return &Reconciler{
		lookup:  lookup,
		clock:   clk,
		timeout: timeout,
		tracer:  otel.Tracer("room-service/reconciler"),
		fetched: make(map[string]models.MessageInfo),
	}
}

// Resolve turns req into an outcome. Server-only room-level messages that
// will be scrolled to get their surroundings loaded first.
func (r *Reconciler) Resolve(ctx context.Context, scope Scope, req Request) (out models.Outcome, err error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.Resolve", trace.WithAttributes(
		attribute.String("room.id", scope.RoomID),
		attribute.String("thread.id", scope.ThreadID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("jump.outcome", string(out.Kind)))
		observability.IncJumpOutcome(string(out.Kind))
		span.End()
	}()

	id := req.MessageID
	if id == "" {
		if id, err = ParseDeepLink(req.URL); err != nil {
			return models.Outcome{Kind: models.OutcomeNone}, err
		}
	}

	info, err := r.messageInfo(ctx, id)
	if err != nil {
		return models.Outcome{Kind: models.OutcomeNone}, err
	}

	out = Decide(scope, info)
	if out.Kind == models.OutcomeScrollInPlace && info.FromServer && info.ThreadID == "" {
		if err := r.lookup.LoadSurroundingMessages(ctx, info.ID, scope.RoomID); err != nil {
			return models.Outcome{Kind: models.OutcomeNone}, errors.Wrap(err, "load surroundings")
		}
		out.LoadedSurroundings = true
		// the message is stored locally now; later jumps scroll without refetching
		info.FromServer = false
		r.mu.Lock()
		r.fetched[id] = info
		r.mu.Unlock()
	}
	return out, nil
}

func (r *Reconciler) messageInfo(ctx context.Context, id string) (models.MessageInfo, error) {
	r.mu.Lock()
	info, ok := r.fetched[id]
	r.mu.Unlock()
	if ok {
		return info, nil
	}
	info, err := r.lookup.GetMessageInfo(ctx, id)
	if err != nil {
		return models.MessageInfo{}, errors.Wrapf(err, "look up message %s", id)
	}
	if info.FromServer {
		r.mu.Lock()
		r.fetched[id] = info
		r.mu.Unlock()
	}
	return info, nil
}

// Scroll asks the list to jump to messageID and waits for the first of
// the jump finishing, the timeout, or ctx ending. The list jump is
// cancelled after every race so no highlight state is left behind. It
// reports whether the jump timed out.
func (r *Reconciler) Scroll(ctx context.Context, list view.MessageList, messageID string) bool {
	jumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- list.JumpToMessage(jumpCtx, messageID)
	}()

	timer := r.clock.Timer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			jww.WARN.Printf("jump to message %s: %v", messageID, err)
		}
		list.CancelJumpToMessage()
		return false
	case <-timer.C:
		cancel()
		list.CancelJumpToMessage()
		observability.IncJumpTimeout()
		jww.WARN.Printf("jump to message %s timed out after %s", messageID, r.timeout)
		return true
	case <-ctx.Done():
		list.CancelJumpToMessage()
		return false
	}
}
