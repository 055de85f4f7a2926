package masjeedsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists records in named collections. Collections are created on
// first use. Expired records read as absent and are purged as a side effect.
type Store interface {
	Put(ctx context.Context, c Collection, rec Record) error
	Get(ctx context.Context, c Collection, id string) (Record, error)
	GetAll(ctx context.Context, c Collection) ([]Record, error)
	Delete(ctx context.Context, c Collection, id string) error
	Clear(ctx context.Context, c Collection) error
	Close() error
}

// OpenStore builds the backend selected by cfg.Storage.Driver.
func OpenStore(cfg Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "", "leveldb":
		return openLevelStore(cfg.Storage.Path, cfg.Storage.maxBytes)
	case "sqlite":
		return openSQLiteStore(cfg.Storage.Path)
	case "memory":
		return newMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func putJSON(ctx context.Context, s Store, c Collection, id string, v any, expiresAt time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &StorageError{Op: "put", Collection: c, ID: id, Err: err}
	}
	return s.Put(ctx, c, Record{ID: id, Data: b, ExpiresAt: expiresAt})
}

func decodeRecord(c Collection, rec Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return &StorageError{Op: "decode", Collection: c, ID: rec.ID, Err: err}
	}
	return nil
}

func loadQueued(ctx context.Context, s Store, id string) (QueuedRequest, error) {
	rec, err := s.Get(ctx, CollectionOfflineQueue, id)
	if err != nil {
		return QueuedRequest{}, err
	}
	var q QueuedRequest
	if err := decodeRecord(CollectionOfflineQueue, rec, &q); err != nil {
		return QueuedRequest{}, err
	}
	return q, nil
}

func loadAllQueued(ctx context.Context, s Store) ([]QueuedRequest, error) {
	recs, err := s.GetAll(ctx, CollectionOfflineQueue)
	if err != nil {
		return nil, err
	}
	out := make([]QueuedRequest, 0, len(recs))
	for _, rec := range recs {
		var q QueuedRequest
		if err := decodeRecord(CollectionOfflineQueue, rec, &q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func loadSnapshot(ctx context.Context, s Store, c Collection, id string) (CachedSnapshot, error) {
	rec, err := s.Get(ctx, c, id)
	if err != nil {
		return CachedSnapshot{}, err
	}
	var snap CachedSnapshot
	if err := decodeRecord(c, rec, &snap); err != nil {
		return CachedSnapshot{}, err
	}
	return snap, nil
}
