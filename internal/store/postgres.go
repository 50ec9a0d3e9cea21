package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/models"
	"room-service/internal/repositories"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying ids of committed rooms.
const NotifyChannel = "room_changes"

const fanOutTimeout = 5 * time.Second

// Postgres is a Store over the sqlx repositories. Every transaction that
// touches a room notifies NotifyChannel on commit; a pq.Listener turns those
// notifications into observer updates, so writes made by other processes
// reach local sessions too.
type Postgres struct {
	db       *sqlx.DB
	listener *pq.Listener
	broker   *broker
	clock    clock.Clock

	writeMu sync.Mutex
	// fanMu orders initial reads of new observers against fan-out.
	fanMu sync.Mutex
	done  chan struct{}
}

var _ Store = (*Postgres)(nil)

// NewPostgres starts listening for room changes on dsn and returns the store.
func NewPostgres(db *sqlx.DB, dsn string, clk clock.Clock) (*Postgres, error) {
	if clk == nil {
		clk = clock.New()
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			jww.WARN.Printf("room change listener event %d: %v", ev, err)
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "listen for room changes")
	}

	p := &Postgres{
		db:       db,
		listener: listener,
		broker:   newBroker(),
		clock:    clk,
		done:     make(chan struct{}),
	}
	go p.fanOut()
	return p, nil
}

// Close stops the listener and waits for the fan-out loop to exit.
func (p *Postgres) Close() error {
	err := p.listener.Close()
	<-p.done
	return err
}

func (p *Postgres) fanOut() {
	defer close(p.done)
	p.relay(p.listener.Notify)
}

// relay reloads and publishes the rooms named by notify. A nil
// notification means the listener reconnected, so every observed room is
// republished.
func (p *Postgres) relay(notify <-chan *pq.Notification) {
	for n := range notify {
		p.fanMu.Lock()
		if n == nil {
			// Reconnected: notifications may have been lost meanwhile.
			p.publishRooms(p.broker.roomIDs()...)
		} else {
			p.publishRooms(n.Extra)
		}
		p.fanMu.Unlock()
	}
}

func (p *Postgres) publishRooms(ids ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
	defer cancel()
	repo := repositories.NewRoomRepo(p.db)
	rooms := make([]models.Room, 0, len(ids))
	for _, id := range ids {
		room, err := repo.GetRoom(ctx, id)
		if err != nil {
			if !errors.Is(err, repositories.ErrRoomNotFound) {
				jww.WARN.Printf("reload room %s after change: %v", id, err)
			}
			continue
		}
		rooms = append(rooms, room)
	}
	p.broker.publish(rooms...)
}

func (p *Postgres) FindRoom(ctx context.Context, id string) (models.Room, error) {
	room, err := repositories.NewRoomRepo(p.db).GetRoom(ctx, id)
	if errors.Is(err, repositories.ErrRoomNotFound) {
		return models.Room{}, errors.Wrapf(ErrNotFound, "room %s", id)
	}
	return room, errors.Wrapf(err, "find room %s", id)
}

func (p *Postgres) FindThread(ctx context.Context, id string) (models.Thread, error) {
	t, err := repositories.NewThreadRepo(p.db).GetThread(ctx, id)
	if errors.Is(err, repositories.ErrThreadNotFound) {
		return models.Thread{}, errors.Wrapf(ErrNotFound, "thread %s", id)
	}
	return t, errors.Wrapf(err, "find thread %s", id)
}

func (p *Postgres) FindMessage(ctx context.Context, id string) (models.Message, error) {
	msg, err := repositories.NewMessageRepo(p.db).GetMessage(ctx, id)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return msg, errors.Wrapf(err, "find message %s", id)
}

func (p *Postgres) LastMessage(ctx context.Context, roomID, threadID string) (models.Message, error) {
	msg, err := repositories.NewMessageRepo(p.db).LastMessage(ctx, roomID, threadID)
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, errors.Wrapf(ErrNotFound, "last message of %s", roomID)
	}
	return msg, errors.Wrapf(err, "last message of %s", roomID)
}

func (p *Postgres) ObserveRoom(ctx context.Context, id string) (<-chan models.Room, error) {
	p.fanMu.Lock()
	defer p.fanMu.Unlock()
	initial, err := p.FindRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.broker.subscribeRoom(ctx, id, func() (models.Room, bool) {
		return initial, true
	}), nil
}

func (p *Postgres) ObserveUnread(ctx context.Context, excludeID string) (<-chan []models.UnreadRow, error) {
	signal := p.broker.subscribeAll(ctx)
	repo := repositories.NewRoomRepo(p.db)
	return streamUnread(ctx, signal, func(ctx context.Context) ([]models.UnreadRow, error) {
		return repo.ListUnread(ctx, excludeID)
	}, func(err error) {
		jww.WARN.Printf("unread query excluding %s: %v", excludeID, err)
	}), nil
}

func (p *Postgres) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	sqlTx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	tx := &postgresTx{
		ctx:      ctx,
		now:      p.clock.Now(),
		rooms:    repositories.NewRoomRepo(sqlTx),
		threads:  repositories.NewThreadRepo(sqlTx),
		messages: repositories.NewMessageRepo(sqlTx),
		changed:  make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	for _, id := range tx.order {
		if _, err := sqlTx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, id); err != nil {
			_ = sqlTx.Rollback()
			return errors.Wrapf(err, "notify change of room %s", id)
		}
	}
	return errors.Wrap(sqlTx.Commit(), "commit transaction")
}

type postgresTx struct {
	ctx      context.Context
	now      time.Time
	rooms    *repositories.RoomRepo
	threads  *repositories.ThreadRepo
	messages *repositories.MessageRepo
	changed  map[string]struct{}
	order    []string
}

func (tx *postgresTx) touch(id string) {
	if _, ok := tx.changed[id]; ok {
		return
	}
	tx.changed[id] = struct{}{}
	tx.order = append(tx.order, id)
}

func (tx *postgresTx) UpdateRoom(id string, fn func(r *models.Room)) error {
	room, err := tx.rooms.GetRoomForUpdate(tx.ctx, id)
	if errors.Is(err, repositories.ErrRoomNotFound) {
		return errors.Wrapf(ErrNotFound, "room %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "load room %s", id)
	}
	fn(&room)
	room.ID = id
	return tx.UpsertRoom(room)
}

func (tx *postgresTx) UpsertRoom(r models.Room) error {
	if r.ID == "" {
		return errors.New("room id is required")
	}
	r.UpdatedAt = tx.now
	if err := tx.rooms.UpsertRoom(tx.ctx, r); err != nil {
		return errors.Wrapf(err, "upsert room %s", r.ID)
	}
	tx.touch(r.ID)
	return nil
}

func (tx *postgresTx) DeleteRoom(id string) error {
	err := tx.rooms.DeleteRoom(tx.ctx, id)
	if errors.Is(err, repositories.ErrRoomNotFound) {
		return errors.Wrapf(ErrNotFound, "room %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "delete room %s", id)
	}
	tx.touch(id)
	return nil
}

func (tx *postgresTx) UpdateThread(id string, fn func(t *models.Thread)) error {
	t, err := tx.threads.GetThread(tx.ctx, id)
	if errors.Is(err, repositories.ErrThreadNotFound) {
		return errors.Wrapf(ErrNotFound, "thread %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "load thread %s", id)
	}
	fn(&t)
	t.ID = id
	return tx.UpsertThread(t)
}

func (tx *postgresTx) UpsertThread(t models.Thread) error {
	if t.ID == "" {
		return errors.New("thread id is required")
	}
	t.UpdatedAt = tx.now
	return errors.Wrapf(tx.threads.UpsertThread(tx.ctx, t), "upsert thread %s", t.ID)
}

func (tx *postgresTx) UpsertMessages(msgs []models.Message) error {
	return tx.messages.UpsertMessages(tx.ctx, msgs)
}
