package model

import (
	"encoding/json"
	"time"
)

// CacheNamespace separates the enrichment and classification caches.
type CacheNamespace string

const (
	CacheEnrich   CacheNamespace = "enrich"
	CacheClassify CacheNamespace = "classify"
)

// CacheEntry is a memoized stage result keyed by input fingerprint.
type CacheEntry struct {
	Namespace   CacheNamespace  `json:"namespace"`
	Fingerprint string          `json:"fingerprint"`
	IdentityKey string          `json:"identity_key"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Age returns how long ago the entry was written relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
