package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/openberl/dispatch/internal/envelope"
)

// Store holds successful responses keyed by request fingerprint. A miss is
// (nil, false); implementations never return errors because caching is
// best-effort and a broken store degrades to pass-through.
type Store interface {
	Get(ctx context.Context, key string) (*envelope.Response, bool)
	Set(ctx context.Context, key string, resp *envelope.Response)
}

// CacheKey fingerprints a request for a given adapter. Two requests share a
// key only when the adapter would produce the same provider call: category,
// payload, and the generation parameters. Cost limits and identifiers stay
// out of the key so a tighter budget still reuses a cached result.
func CacheKey(adapterName string, req *envelope.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", adapterName, req.TaskCategory, req.Payload)
	for _, m := range req.Context {
		fmt.Fprintf(h, "%s\x00%s\x00", m.Role, m.Content)
	}
	fmt.Fprintf(h, "mt=%d\x00", req.Metadata.MaxTokens)
	if req.Metadata.Temperature != nil {
		fmt.Fprintf(h, "temp=%s\x00", strconv.FormatFloat(*req.Metadata.Temperature, 'g', -1, 64))
	}
	if len(req.Metadata.Extra) > 0 {
		keys := make([]string, 0, len(req.Metadata.Extra))
		for k := range req.Metadata.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s\x00", k, req.Metadata.Extra[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

type memoryEntry struct {
	resp      *envelope.Response
	expiresAt time.Time
}

// MemoryStore is a capacity-bound in-process cache. When full it evicts the
// oldest entry by insertion order.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	order    []string
	capacity int
	ttl      time.Duration
}

// NewMemoryStore builds a store holding at most capacity entries. A ttl of
// zero means entries never expire. Capacity must be positive.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{
		entries:  make(map[string]memoryEntry, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*envelope.Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		s.dropFromOrder(key)
		return nil, false
	}
	return e.resp, true
}

func (s *MemoryStore) Set(_ context.Context, key string, resp *envelope.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists {
		for len(s.entries) >= s.capacity && len(s.order) > 0 {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.entries, oldest)
		}
		s.order = append(s.order, key)
	}
	e := memoryEntry{resp: resp}
	if s.ttl > 0 {
		e.expiresAt = time.Now().Add(s.ttl)
	}
	s.entries[key] = e
}

// dropFromOrder removes a key from the insertion-order slice so a later Set
// of the same key re-enters at the back. Must be called with mu held.
func (s *MemoryStore) dropFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Len reports the current number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
