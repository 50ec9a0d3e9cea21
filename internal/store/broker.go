package store

import (
	"context"
	"sync"

	"room-service/internal/models"
)

// broker fans committed room records out to observers. Room observers get
// every committed record in commit order through an unbounded queue, so a
// slow reader never blocks a commit; aggregate observers get a coalescing
// signal.
type broker struct {
	mu     sync.Mutex
	nextID uint64
	rooms  map[uint64]*roomSub
	all    map[uint64]chan struct{}
}

type roomSub struct {
	roomID string
	mu     sync.Mutex
	queue  []models.Room
	wake   chan struct{}
}

func newBroker() *broker {
	return &broker{
		rooms: make(map[uint64]*roomSub),
		all:   make(map[uint64]chan struct{}),
	}
}

// subscribeRoom streams committed records of roomID, starting with initial
// when it is non-nil.
func (b *broker) subscribeRoom(ctx context.Context, roomID string, initial func() (models.Room, bool)) <-chan models.Room {
	s := &roomSub{roomID: roomID, wake: make(chan struct{}, 1)}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.rooms[id] = s
	b.mu.Unlock()

	if initial != nil {
		if r, ok := initial(); ok {
			s.push(r)
		}
	}

	out := make(chan models.Room)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.rooms, id)
			b.mu.Unlock()
			close(out)
		}()
		for {
			r, ok := s.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-s.wake:
					continue
				}
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// subscribeAll signals after any room commit until ctx is done.
func (b *broker) subscribeAll(ctx context.Context) <-chan struct{} {
	signal := make(chan struct{}, 1)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.all[id] = signal
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}()
	return signal
}

// publish delivers committed rooms to their observers and signals every
// aggregate observer, also when rooms is empty (a deletion).
func (b *broker) publish(rooms ...models.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.rooms {
		for _, r := range rooms {
			if r.ID == s.roomID {
				s.push(r)
			}
		}
	}
	for _, signal := range b.all {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
}

// roomIDs returns the distinct rooms currently observed.
func (b *broker) roomIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{}, len(b.rooms))
	ids := make([]string, 0, len(b.rooms))
	for _, s := range b.rooms {
		if _, ok := seen[s.roomID]; ok {
			continue
		}
		seen[s.roomID] = struct{}{}
		ids = append(ids, s.roomID)
	}
	return ids
}

// observers returns the number of live subscriptions.
func (b *broker) observers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms) + len(b.all)
}

func (s *roomSub) push(r models.Room) {
	s.mu.Lock()
	s.queue = append(s.queue, r)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *roomSub) pop() (models.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return models.Room{}, false
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r, true
}

// streamUnread re-runs query after every commit signal and emits its rows.
func streamUnread(ctx context.Context, signal <-chan struct{}, query func(context.Context) ([]models.UnreadRow, error), onErr func(error)) <-chan []models.UnreadRow {
	out := make(chan []models.UnreadRow)
	go func() {
		defer close(out)
		for {
			rows, err := query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				onErr(err)
			} else {
				select {
				case out <- rows:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-signal:
			}
		}
	}()
	return out
}
