package masjeedsync

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelStore keeps every collection in one leveldb, keyed
// "r:<collection>\x00<id>". Offline-queue writes are fsynced, so a nil error
// there means the record is on disk. Snapshot writes are not; a lost
// snapshot is refetched on the next good read.
type levelStore struct {
	maxBytes int64
	now      func() time.Time

	db *leveldb.DB

	// mu serializes writes so the quota check and the write are atomic.
	mu        sync.Mutex
	sizes     map[string]int64
	totalSize int64
}

func openLevelStore(path string, maxBytes int64) (*levelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	s := &levelStore{
		maxBytes: maxBytes,
		now:      time.Now,
		db:       db,
		sizes:    map[string]int64{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}
	return s, nil
}

func (s *levelStore) Close() error {
	return s.db.Close()
}

func (s *levelStore) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("r:")), nil)
	defer it.Release()

	var total int64
	sizes := map[string]int64{}
	for it.Next() {
		n := int64(len(it.Value()))
		sizes[string(it.Key())] = n
		total += n
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sizes = sizes
	s.totalSize = total
	s.mu.Unlock()
	return nil
}

// queueWrite is fsynced; snapshots are rebuilt from the network.
var queueWrite = &opt.WriteOptions{Sync: true}

func writeOpts(c Collection) *opt.WriteOptions {
	if c == CollectionOfflineQueue {
		return queueWrite
	}
	return nil
}

func collectionPrefix(c Collection) []byte {
	return []byte("r:" + string(c) + "\x00")
}

func recordKey(c Collection, id string) []byte {
	return append(collectionPrefix(c), id...)
}

// TotalSize reports the bytes currently held, as counted against the quota.
func (s *levelStore) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

func (s *levelStore) Put(ctx context.Context, c Collection, rec Record) error {
	if err := ctx.Err(); err != nil {
		return storageErr("put", c, rec.ID, err)
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = s.now().UTC()
	}
	b, err := encodeGob(rec)
	if err != nil {
		return storageErr("put", c, rec.ID, err)
	}
	key := recordKey(c, rec.ID)
	size := int64(len(b))

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.sizes[string(key)]
	if s.maxBytes > 0 && s.totalSize-old+size > s.maxBytes {
		return &StorageError{Op: "put", Collection: c, ID: rec.ID, Quota: true}
	}
	if err := s.db.Put(key, b, writeOpts(c)); err != nil {
		return storageErr("put", c, rec.ID, err)
	}
	s.sizes[string(key)] = size
	s.totalSize += size - old
	return nil
}

func (s *levelStore) Get(ctx context.Context, c Collection, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, storageErr("get", c, id, err)
	}
	b, err := s.db.Get(recordKey(c, id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storageErr("get", c, id, err)
	}
	var rec Record
	if err := decodeGob(b, &rec); err != nil {
		return Record{}, storageErr("get", c, id, err)
	}
	if rec.expired(s.now()) {
		if err := s.Delete(ctx, c, id); err != nil {
			return Record{}, err
		}
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *levelStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("getAll", c, "", err)
	}
	now := s.now()
	it := s.db.NewIterator(util.BytesPrefix(collectionPrefix(c)), nil)

	var out []Record
	var expired [][]byte
	for it.Next() {
		var rec Record
		if err := decodeGob(it.Value(), &rec); err != nil {
			id := string(bytes.TrimPrefix(it.Key(), collectionPrefix(c)))
			it.Release()
			return nil, storageErr("getAll", c, id, err)
		}
		if rec.expired(now) {
			expired = append(expired, bytes.Clone(it.Key()))
			continue
		}
		out = append(out, rec)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, storageErr("getAll", c, "", err)
	}
	if len(expired) > 0 {
		if err := s.deleteKeys(c, expired); err != nil {
			return nil, storageErr("purge", c, "", err)
		}
	}
	return out, nil
}

func (s *levelStore) Delete(ctx context.Context, c Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete", c, id, err)
	}
	return storageErr("delete", c, id, s.deleteKeys(c, [][]byte{recordKey(c, id)}))
}

func (s *levelStore) Clear(ctx context.Context, c Collection) error {
	if err := ctx.Err(); err != nil {
		return storageErr("clear", c, "", err)
	}
	it := s.db.NewIterator(util.BytesPrefix(collectionPrefix(c)), nil)
	var keys [][]byte
	for it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return storageErr("clear", c, "", err)
	}
	return storageErr("clear", c, "", s.deleteKeys(c, keys))
}

func (s *levelStore) deleteKeys(c Collection, keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, k := range keys {
		batch.Delete(k)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Write(batch, writeOpts(c)); err != nil {
		return err
	}
	for _, k := range keys {
		if n, ok := s.sizes[string(k)]; ok {
			s.totalSize -= n
			delete(s.sizes, string(k))
		}
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
