package repositories

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"room-service/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for cached room messages.
type MessageRepository interface {
	GetMessage(ctx context.Context, id string) (models.Message, error)
	UpsertMessages(ctx context.Context, msgs []models.Message) error
	LastMessage(ctx context.Context, roomID, threadID string) (models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db sqlx.ExtContext
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db sqlx.ExtContext) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, rid, tmid, tmsg, tlm, msg, t, e2e, user_id, username, ts`

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := sqlx.GetContext(ctx, r.db, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// UpsertMessages stores a batch of messages, replacing existing ones.
func (r *MessageRepo) UpsertMessages(ctx context.Context, msgs []models.Message) error {
	for _, msg := range msgs {
		if _, err := sqlx.NamedExecContext(ctx, r.db, `INSERT INTO messages (`+messageColumns+`)
        VALUES (:id, :rid, :tmid, :tmsg, :tlm, :msg, :t, :e2e, :user_id, :username, :ts)
        ON CONFLICT (id) DO UPDATE SET rid=EXCLUDED.rid, tmid=EXCLUDED.tmid, tmsg=EXCLUDED.tmsg,
        tlm=EXCLUDED.tlm, msg=EXCLUDED.msg, t=EXCLUDED.t, e2e=EXCLUDED.e2e,
        user_id=EXCLUDED.user_id, username=EXCLUDED.username, ts=EXCLUDED.ts`, msg); err != nil {
			return errors.Wrapf(err, "upsert message %s", msg.ID)
		}
	}
	return nil
}

// LastMessage returns the newest message of a room, or of one of its
// threads when threadID is set.
func (r *MessageRepo) LastMessage(ctx context.Context, roomID, threadID string) (models.Message, error) {
	var msg models.Message
	err := sqlx.GetContext(ctx, r.db, &msg, `SELECT `+messageColumns+` FROM messages
        WHERE rid=$1 AND tmid=$2
        ORDER BY ts DESC LIMIT 1`, roomID, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}
