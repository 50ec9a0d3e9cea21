package repositories

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"room-service/internal/models"
)

var ErrRoomNotFound = errors.New("room not found")

const roomColumns = `id, t, name, fname, topic, announcement, prid, f, ro, archived, blocked, blocker,
        open, broadcast, encrypted, alert, unread, user_mentions, tunread, muted, ignored, roles,
        sys_mes, uids, jitsi_timeout, team_id, team_main, join_code_required, banner_closed,
        auto_translate, auto_translate_language, visitor_id, visitor_username, visitor_name,
        visitor_status, ls, draft_message, updated_at`

// RoomRepository abstracts room subscription persistence.
type RoomRepository interface {
	GetRoom(ctx context.Context, id string) (models.Room, error)
	GetRoomForUpdate(ctx context.Context, id string) (models.Room, error)
	UpsertRoom(ctx context.Context, room models.Room) error
	DeleteRoom(ctx context.Context, id string) error
	ListUnread(ctx context.Context, excludeID string) ([]models.UnreadRow, error)
}

// RoomRepo is a sqlx implementation of RoomRepository. It runs against a
// *sqlx.DB or a *sqlx.Tx alike.
type RoomRepo struct {
	db sqlx.ExtContext
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db sqlx.ExtContext) *RoomRepo {
	return &RoomRepo{db: db}
}

// GetRoom fetches a room by id.
func (r *RoomRepo) GetRoom(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := sqlx.GetContext(ctx, r.db, &room, `SELECT `+roomColumns+` FROM rooms WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// GetRoomForUpdate fetches a room and locks its row until the transaction ends.
func (r *RoomRepo) GetRoomForUpdate(ctx context.Context, id string) (models.Room, error) {
	var room models.Room
	err := sqlx.GetContext(ctx, r.db, &room, `SELECT `+roomColumns+` FROM rooms WHERE id=$1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// UpsertRoom inserts the room or replaces every column of an existing one.
func (r *RoomRepo) UpsertRoom(ctx context.Context, room models.Room) error {
	_, err := sqlx.NamedExecContext(ctx, r.db, `INSERT INTO rooms (`+roomColumns+`) VALUES (
        :id, :t, :name, :fname, :topic, :announcement, :prid, :f, :ro, :archived, :blocked, :blocker,
        :open, :broadcast, :encrypted, :alert, :unread, :user_mentions, :tunread, :muted, :ignored, :roles,
        :sys_mes, :uids, :jitsi_timeout, :team_id, :team_main, :join_code_required, :banner_closed,
        :auto_translate, :auto_translate_language, :visitor_id, :visitor_username, :visitor_name,
        :visitor_status, :ls, :draft_message, :updated_at)
        ON CONFLICT (id) DO UPDATE SET
        t=EXCLUDED.t, name=EXCLUDED.name, fname=EXCLUDED.fname, topic=EXCLUDED.topic,
        announcement=EXCLUDED.announcement, prid=EXCLUDED.prid, f=EXCLUDED.f, ro=EXCLUDED.ro,
        archived=EXCLUDED.archived, blocked=EXCLUDED.blocked, blocker=EXCLUDED.blocker,
        open=EXCLUDED.open, broadcast=EXCLUDED.broadcast, encrypted=EXCLUDED.encrypted,
        alert=EXCLUDED.alert, unread=EXCLUDED.unread, user_mentions=EXCLUDED.user_mentions,
        tunread=EXCLUDED.tunread, muted=EXCLUDED.muted, ignored=EXCLUDED.ignored, roles=EXCLUDED.roles,
        sys_mes=EXCLUDED.sys_mes, uids=EXCLUDED.uids, jitsi_timeout=EXCLUDED.jitsi_timeout,
        team_id=EXCLUDED.team_id, team_main=EXCLUDED.team_main,
        join_code_required=EXCLUDED.join_code_required, banner_closed=EXCLUDED.banner_closed,
        auto_translate=EXCLUDED.auto_translate, auto_translate_language=EXCLUDED.auto_translate_language,
        visitor_id=EXCLUDED.visitor_id, visitor_username=EXCLUDED.visitor_username,
        visitor_name=EXCLUDED.visitor_name, visitor_status=EXCLUDED.visitor_status,
        ls=EXCLUDED.ls, draft_message=EXCLUDED.draft_message, updated_at=EXCLUDED.updated_at`, room)
	return err
}

// DeleteRoom removes a room.
func (r *RoomRepo) DeleteRoom(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rooms WHERE id=$1`, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ListUnread returns the unread counter of every open, non-archived room
// other than excludeID.
func (r *RoomRepo) ListUnread(ctx context.Context, excludeID string) ([]models.UnreadRow, error) {
	var rows []models.UnreadRow
	err := sqlx.SelectContext(ctx, r.db, &rows, `SELECT id, unread FROM rooms
        WHERE archived = FALSE AND open = TRUE AND id <> $1
        ORDER BY id ASC`, excludeID)
	return rows, err
}
