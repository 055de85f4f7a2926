package masjeedsync

import (
	"encoding/json"
	"time"
)

// Collection names a partition of the durable store.
type Collection string

const (
	CollectionOfflineQueue  Collection = "offlineQueue"
	CollectionPrayerTimes   Collection = "prayerTimes"
	CollectionEvents        Collection = "events"
	CollectionAnnouncements Collection = "announcements"
	CollectionDonations     Collection = "donations"
	CollectionCommunity     Collection = "community"
	CollectionUserData      Collection = "userData"
)

// Category groups queued writes for display. It plays no part in replay.
type Category string

const (
	CategoryDonations     Category = "donations"
	CategoryRegistrations Category = "registrations"
	CategoryAnnouncements Category = "announcements"
	CategoryGeneral       Category = "general"
)

// Record is the unit the store persists. Data is opaque to the store.
type Record struct {
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data,omitempty"`
	StoredAt time.Time       `json:"storedAt"`

	// ExpiresAt is optional; the zero value never expires.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// QueuedRequest is a write captured for later replay.
type QueuedRequest struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       []byte            `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Category   Category          `json:"category"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
}

// CachedSnapshot is the last good response of a read endpoint.
type CachedSnapshot struct {
	ID          string    `json:"id"`
	Status      int       `json:"status"`
	ContentType string    `json:"contentType,omitempty"`
	Payload     []byte    `json:"payload"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// QueueStatus is a read-only view of the offline queue.
type QueueStatus struct {
	Total  int              `json:"total"`
	ByType map[Category]int `json:"byType"`
	Items  []QueuedRequest  `json:"items"`
}

// Source values reported in the X-Masjeed-Source response header.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceQueued  = "queued"
	SourceOffline = "offline"
)
