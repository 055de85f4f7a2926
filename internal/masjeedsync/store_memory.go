package masjeedsync

import (
	"context"
	"sync"
	"time"
)

// memoryStore is a goroutine-safe in-process Store. GetAll returns records
// in insertion order.
type memoryStore struct {
	now func() time.Time

	mu   sync.Mutex
	cols map[Collection]*memoryCollection
}

type memoryCollection struct {
	order []string
	recs  map[string]Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{now: time.Now, cols: map[Collection]*memoryCollection{}}
}

func (s *memoryStore) col(c Collection) *memoryCollection {
	mc, ok := s.cols[c]
	if !ok {
		mc = &memoryCollection{recs: map[string]Record{}}
		s.cols[c] = mc
	}
	return mc
}

func (s *memoryStore) Put(ctx context.Context, c Collection, rec Record) error {
	if err := ctx.Err(); err != nil {
		return storageErr("put", c, rec.ID, err)
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := s.col(c)
	if _, ok := mc.recs[rec.ID]; !ok {
		mc.order = append(mc.order, rec.ID)
	}
	mc.recs[rec.ID] = rec
	return nil
}

func (s *memoryStore) Get(ctx context.Context, c Collection, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, storageErr("get", c, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := s.col(c)
	rec, ok := mc.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.expired(s.now()) {
		mc.remove(id)
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("getAll", c, "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := s.col(c)
	now := s.now()
	var out []Record
	var expired []string
	for _, id := range mc.order {
		rec := mc.recs[id]
		if rec.expired(now) {
			expired = append(expired, id)
			continue
		}
		out = append(out, rec)
	}
	for _, id := range expired {
		mc.remove(id)
	}
	return out, nil
}

func (s *memoryStore) Delete(ctx context.Context, c Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete", c, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.col(c).remove(id)
	return nil
}

func (s *memoryStore) Clear(ctx context.Context, c Collection) error {
	if err := ctx.Err(); err != nil {
		return storageErr("clear", c, "", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cols, c)
	return nil
}

func (s *memoryStore) Close() error { return nil }

func (mc *memoryCollection) remove(id string) {
	if _, ok := mc.recs[id]; !ok {
		return
	}
	delete(mc.recs, id)
	for i, v := range mc.order {
		if v == id {
			mc.order = append(mc.order[:i], mc.order[i+1:]...)
			break
		}
	}
}
