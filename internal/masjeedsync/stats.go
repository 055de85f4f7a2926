package masjeedsync

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	queued           atomic.Uint64
	replayed         atomic.Uint64
	exhausted        atomic.Uint64
	networkReads     atomic.Uint64
	cacheHits        atomic.Uint64
	offlineResponses atomic.Uint64
	authFailures     atomic.Uint64

	snapshots     atomic.Uint64
	snapshotBytes atomic.Uint64
	minSnapBytes  atomic.Uint64
	maxSnapBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minSnapBytes.Store(math.MaxUint64)
	return s
}

// observeSnapshot records the size of a payload written to the cache.
func (s *statsCollector) observeSnapshot(size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)

	s.snapshots.Add(1)
	s.snapshotBytes.Add(n)

	for {
		cur := s.minSnapBytes.Load()
		if n >= cur {
			break
		}
		if s.minSnapBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxSnapBytes.Load()
		if n <= cur {
			break
		}
		if s.maxSnapBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Stats is a copy of the sidecar counters.
type Stats struct {
	Queued           uint64 `json:"queued"`
	Replayed         uint64 `json:"replayed"`
	Exhausted        uint64 `json:"exhausted"`
	NetworkReads     uint64 `json:"networkReads"`
	CacheHits        uint64 `json:"cacheHits"`
	OfflineResponses uint64 `json:"offlineResponses"`
	AuthFailures     uint64 `json:"authFailures"`
	Snapshots        uint64 `json:"snapshots"`
	MinSnapshotBytes uint64 `json:"minSnapshotBytes"`
	MaxSnapshotBytes uint64 `json:"maxSnapshotBytes"`
	AvgSnapshotBytes uint64 `json:"avgSnapshotBytes"`
}

func (s *statsCollector) Snapshot() Stats {
	out := Stats{
		Queued:           s.queued.Load(),
		Replayed:         s.replayed.Load(),
		Exhausted:        s.exhausted.Load(),
		NetworkReads:     s.networkReads.Load(),
		CacheHits:        s.cacheHits.Load(),
		OfflineResponses: s.offlineResponses.Load(),
		AuthFailures:     s.authFailures.Load(),
		Snapshots:        s.snapshots.Load(),
	}
	if out.Snapshots == 0 {
		return out
	}
	minv := s.minSnapBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinSnapshotBytes = minv
	out.MaxSnapshotBytes = s.maxSnapBytes.Load()
	out.AvgSnapshotBytes = s.snapshotBytes.Load() / out.Snapshots
	return out
}
