package repositories

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"room-service/internal/models"
)

var ErrThreadNotFound = errors.New("thread not found")

// ThreadRepository persists thread records keyed by their parent message.
type ThreadRepository interface {
	GetThread(ctx context.Context, id string) (models.Thread, error)
	UpsertThread(ctx context.Context, thread models.Thread) error
}

// ThreadRepo is a sqlx-backed repository.
type ThreadRepo struct {
	db sqlx.ExtContext
}

// NewThreadRepo constructs ThreadRepo.
func NewThreadRepo(db sqlx.ExtContext) *ThreadRepo {
	return &ThreadRepo{db: db}
}

// GetThread retrieves a single thread.
func (r *ThreadRepo) GetThread(ctx context.Context, id string) (models.Thread, error) {
	var t models.Thread
	err := sqlx.GetContext(ctx, r.db, &t, `SELECT id, rid, msg, draft_message, updated_at FROM threads WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrThreadNotFound
	}
	return t, err
}

// UpsertThread stores a thread, replacing an existing record.
func (r *ThreadRepo) UpsertThread(ctx context.Context, t models.Thread) error {
	_, err := sqlx.NamedExecContext(ctx, r.db, `INSERT INTO threads (id, rid, msg, draft_message, updated_at)
        VALUES (:id, :rid, :msg, :draft_message, :updated_at)
        ON CONFLICT (id) DO UPDATE SET rid=EXCLUDED.rid, msg=EXCLUDED.msg,
        draft_message=EXCLUDED.draft_message, updated_at=EXCLUDED.updated_at`, t)
	return err
}
