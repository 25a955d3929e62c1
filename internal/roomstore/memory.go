// internal/roomstore/memory.go
package roomstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tommar21/matchroom/internal/models"
)

// Memory is an in-process Store with the same conditional-update semantics as
// the SQL store. Deliveries happen synchronously on the writer's goroutine,
// which keeps test interleavings deterministic. Embedders can run the whole
// engine against it without external services.
type Memory struct {
	mu      sync.Mutex
	rooms   map[uuid.UUID]*models.Room
	created map[uuid.UUID]int64
	subs    map[uuid.UUID]map[int64]*memorySub
	nextSeq int64
	nextSub int64
}

type memorySub struct {
	onChange func(Update)
}

func NewMemory() *Memory {
	return &Memory{
		rooms:   make(map[uuid.UUID]*models.Room),
		created: make(map[uuid.UUID]int64),
		subs:    make(map[uuid.UUID]map[int64]*memorySub),
	}
}

func (s *Memory) Create(ctx context.Context, room *models.Room) (*models.Room, error) {
	r := room.Clone()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	now := time.Now()
	r.Revision = 1
	r.CreatedAt = now
	r.UpdatedAt = now

	s.mu.Lock()
	s.rooms[r.ID] = r
	s.nextSeq++
	s.created[r.ID] = s.nextSeq
	watchers := s.watchers(r.ID)
	s.mu.Unlock()

	fanout(watchers, Update{Room: r})
	return r.Clone(), nil
}

func (s *Memory) Read(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Memory) ConditionalUpdate(ctx context.Context, id uuid.UUID, patch Patch, pred Predicate) (*models.Room, error) {
	s.mu.Lock()
	cur, ok := s.rooms[id]
	if !ok || !pred.holds(cur) {
		s.mu.Unlock()
		return nil, ErrConflict
	}
	next := cur.Clone()
	patch.applyTo(next)
	next.Revision = cur.Revision + 1
	next.UpdatedAt = time.Now()
	s.rooms[id] = next
	watchers := s.watchers(id)
	s.mu.Unlock()

	// next is never mutated after publication; later writes replace the map
	// entry with a fresh clone.
	fanout(watchers, Update{Room: next})
	return next.Clone(), nil
}

func (s *Memory) Delete(ctx context.Context, id uuid.UUID, pred Predicate) error {
	s.mu.Lock()
	cur, ok := s.rooms[id]
	if !ok || !pred.holds(cur) {
		s.mu.Unlock()
		return ErrConflict
	}
	delete(s.rooms, id)
	delete(s.created, id)
	watchers := s.watchers(id)
	s.mu.Unlock()

	fanout(watchers, Update{Deleted: true})
	return nil
}

func (s *Memory) ListOpen(ctx context.Context, gameKind, excludeUser string, limit int) ([]*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*models.Room
	for _, r := range s.rooms {
		if r.Status != models.RoomWaiting || r.GuestID != nil || r.Private {
			continue
		}
		if r.GameKind != gameKind || r.HostID == excludeUser {
			continue
		}
		open = append(open, r)
	}
	sort.Slice(open, func(i, j int) bool {
		return s.created[open[i].ID] > s.created[open[j].ID]
	})
	if limit > 0 && len(open) > limit {
		open = open[:limit]
	}
	out := make([]*models.Room, len(open))
	for i, r := range open {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *Memory) Subscribe(ctx context.Context, id uuid.UUID, onChange func(Update), onError func(error), onConnectivity func(Connectivity)) (func(), error) {
	s.mu.Lock()
	s.nextSub++
	token := s.nextSub
	if s.subs[id] == nil {
		s.subs[id] = make(map[int64]*memorySub)
	}
	s.subs[id][token] = &memorySub{onChange: onChange}
	s.mu.Unlock()

	if onConnectivity != nil {
		onConnectivity(Connected)
	}

	var once sync.Once
	closed := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(closed)
			s.mu.Lock()
			if m := s.subs[id]; m != nil {
				delete(m, token)
				if len(m) == 0 {
					delete(s.subs, id)
				}
			}
			s.mu.Unlock()
			if onConnectivity != nil {
				onConnectivity(Disconnected)
			}
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				stop()
			case <-closed:
			}
		}()
	}
	return stop, nil
}

// watchers snapshots the subscriber list; callers must hold mu.
func (s *Memory) watchers(id uuid.UUID) []*memorySub {
	m := s.subs[id]
	if len(m) == 0 {
		return nil
	}
	out := make([]*memorySub, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	return out
}

func fanout(watchers []*memorySub, up Update) {
	for _, w := range watchers {
		if w.onChange == nil {
			continue
		}
		delivered := up
		if up.Room != nil {
			delivered.Room = up.Room.Clone()
		}
		w.onChange(delivered)
	}
}
