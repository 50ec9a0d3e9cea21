package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"room-service/internal/models"
)

// Memory is an in-process Store. It backs single-node deployments without a
// database and every package test.
type Memory struct {
	clock  clock.Clock
	broker *broker

	// writeMu serializes transactions; mu guards the maps.
	writeMu  sync.Mutex
	mu       sync.RWMutex
	rooms    map[string]models.Room
	threads  map[string]models.Thread
	messages map[string]models.Message
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty Memory store stamping writes with clk.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		clock:    clk,
		broker:   newBroker(),
		rooms:    make(map[string]models.Room),
		threads:  make(map[string]models.Thread),
		messages: make(map[string]models.Message),
	}
}

func (m *Memory) FindRoom(_ context.Context, id string) (models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return models.Room{}, errors.Wrapf(ErrNotFound, "room %s", id)
	}
	return cloneRoom(r), nil
}

func (m *Memory) FindThread(_ context.Context, id string) (models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return models.Thread{}, errors.Wrapf(ErrNotFound, "thread %s", id)
	}
	return t, nil
}

func (m *Memory) FindMessage(_ context.Context, id string) (models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return msg, nil
}

func (m *Memory) LastMessage(_ context.Context, roomID, threadID string) (models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		last  models.Message
		found bool
	)
	for _, msg := range m.messages {
		if msg.RoomID != roomID || msg.ThreadID != threadID {
			continue
		}
		if !found || msg.CreatedAt.After(last.CreatedAt) {
			last, found = msg, true
		}
	}
	if !found {
		return models.Message{}, errors.Wrapf(ErrNotFound, "last message of %s", roomID)
	}
	return last, nil
}

func (m *Memory) ObserveRoom(ctx context.Context, id string) (<-chan models.Room, error) {
	if _, err := m.FindRoom(ctx, id); err != nil {
		return nil, err
	}
	// Commits publish while holding writeMu, so the initial record cannot
	// be overtaken by an older one.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.broker.subscribeRoom(ctx, id, func() (models.Room, bool) {
		r, err := m.FindRoom(ctx, id)
		return r, err == nil
	}), nil
}

func (m *Memory) ObserveUnread(ctx context.Context, excludeID string) (<-chan []models.UnreadRow, error) {
	signal := m.broker.subscribeAll(ctx)
	return streamUnread(ctx, signal, func(context.Context) ([]models.UnreadRow, error) {
		return m.unreadRows(excludeID), nil
	}, func(error) {}), nil
}

func (m *Memory) unreadRows(excludeID string) []models.UnreadRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]models.UnreadRow, 0, len(m.rooms))
	for id, r := range m.rooms {
		if r.Archived || !r.Open || id == excludeID {
			continue
		}
		rows = append(rows, models.UnreadRow{RoomID: id, Unread: r.Unread})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RoomID < rows[j].RoomID })
	return rows
}

// Observers returns the number of live observe streams.
func (m *Memory) Observers() int {
	return m.broker.observers()
}

func (m *Memory) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &memoryTx{
		m:        m,
		now:      m.clock.Now(),
		rooms:    make(map[string]models.Room),
		deleted:  make(map[string]struct{}),
		threads:  make(map[string]models.Thread),
		messages: make(map[string]models.Message),
	}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	committed := make([]models.Room, 0, len(tx.order))
	for _, id := range tx.order {
		if _, gone := tx.deleted[id]; gone {
			delete(m.rooms, id)
			continue
		}
		r := tx.rooms[id]
		m.rooms[id] = r
		committed = append(committed, cloneRoom(r))
	}
	for id, t := range tx.threads {
		m.threads[id] = t
	}
	for id, msg := range tx.messages {
		m.messages[id] = msg
	}
	m.mu.Unlock()

	if len(tx.order) > 0 {
		m.broker.publish(committed...)
	}
	return nil
}

// memoryTx stages writes until the transaction function returns nil.
type memoryTx struct {
	m        *Memory
	now      time.Time
	order    []string
	rooms    map[string]models.Room
	deleted  map[string]struct{}
	threads  map[string]models.Thread
	messages map[string]models.Message
}

func (tx *memoryTx) room(id string) (models.Room, bool) {
	if _, gone := tx.deleted[id]; gone {
		return models.Room{}, false
	}
	if r, ok := tx.rooms[id]; ok {
		return r, true
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	r, ok := tx.m.rooms[id]
	return cloneRoom(r), ok
}

func (tx *memoryTx) stageRoom(r models.Room) {
	if _, seen := tx.rooms[r.ID]; !seen {
		if _, gone := tx.deleted[r.ID]; !gone {
			tx.order = append(tx.order, r.ID)
		}
	}
	delete(tx.deleted, r.ID)
	r.UpdatedAt = tx.now
	tx.rooms[r.ID] = r
}

func (tx *memoryTx) UpdateRoom(id string, fn func(r *models.Room)) error {
	r, ok := tx.room(id)
	if !ok {
		return errors.Wrapf(ErrNotFound, "room %s", id)
	}
	fn(&r)
	r.ID = id
	tx.stageRoom(r)
	return nil
}

func (tx *memoryTx) UpsertRoom(r models.Room) error {
	if r.ID == "" {
		return errors.New("room id is required")
	}
	tx.stageRoom(cloneRoom(r))
	return nil
}

func (tx *memoryTx) DeleteRoom(id string) error {
	if _, ok := tx.room(id); !ok {
		return errors.Wrapf(ErrNotFound, "room %s", id)
	}
	if _, seen := tx.rooms[id]; !seen {
		tx.order = append(tx.order, id)
	}
	delete(tx.rooms, id)
	tx.deleted[id] = struct{}{}
	return nil
}

func (tx *memoryTx) UpdateThread(id string, fn func(t *models.Thread)) error {
	t, ok := tx.threads[id]
	if !ok {
		tx.m.mu.RLock()
		t, ok = tx.m.threads[id]
		tx.m.mu.RUnlock()
	}
	if !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", id)
	}
	fn(&t)
	t.ID = id
	t.UpdatedAt = tx.now
	tx.threads[id] = t
	return nil
}

func (tx *memoryTx) UpsertThread(t models.Thread) error {
	if t.ID == "" {
		return errors.New("thread id is required")
	}
	t.UpdatedAt = tx.now
	tx.threads[t.ID] = t
	return nil
}

func (tx *memoryTx) UpsertMessages(msgs []models.Message) error {
	for _, msg := range msgs {
		if msg.ID == "" {
			return errors.New("message id is required")
		}
		tx.messages[msg.ID] = msg
	}
	return nil
}

func cloneRoom(r models.Room) models.Room {
	r.TUnread = slices.Clone(r.TUnread)
	r.Muted = slices.Clone(r.Muted)
	r.Ignored = slices.Clone(r.Ignored)
	r.Roles = slices.Clone(r.Roles)
	r.SysMes = slices.Clone(r.SysMes)
	r.UIDs = slices.Clone(r.UIDs)
	if r.LastSeen != nil {
		ls := *r.LastSeen
		r.LastSeen = &ls
	}
	return r
}
