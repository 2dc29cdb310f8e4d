// Package cache holds artifact bytes in memory behind revocable references.
package cache

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// ReferencePrefix marks references handed out by a Registry.
const ReferencePrefix = "blob:"

// Blob is a registered artifact payload.
type Blob struct {
	Data        []byte
	ContentType string
	Filename    string
	CreatedAt   time.Time
}

// Registry maps opaque references to blobs. Entries never expire on their
// own; they live until revoked.
type Registry struct {
	cache   *gocache.Cache
	revoked atomic.Int64
}

// NewRegistry creates an empty Registry. No janitor goroutine is started.
func NewRegistry() *Registry {
	r := &Registry{cache: gocache.New(gocache.NoExpiration, 0)}
	r.cache.OnEvicted(func(string, interface{}) {
		r.revoked.Add(1)
	})
	return r
}

// Put stores blob and returns its new reference.
func (r *Registry) Put(blob *Blob) string {
	ref := ReferencePrefix + uuid.NewString()
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now()
	}
	r.cache.Set(ref, blob, gocache.NoExpiration)
	return ref
}

// Get returns the blob behind ref.
func (r *Registry) Get(ref string) (*Blob, bool) {
	if !strings.HasPrefix(ref, ReferencePrefix) {
		return nil, false
	}
	if item, found := r.cache.Get(ref); found {
		if blob, ok := item.(*Blob); ok {
			return blob, true
		}
	}
	return nil, false
}

// Revoke invalidates ref. Revoking an unknown reference is a no-op.
func (r *Registry) Revoke(ref string) {
	r.cache.Delete(ref)
}

// Revoked returns how many references have been revoked.
func (r *Registry) Revoked() int64 {
	return r.revoked.Load()
}

// Len returns the number of live references.
func (r *Registry) Len() int {
	return r.cache.ItemCount()
}
