package router

import (
	"sync"
	"time"
)

// AdapterState reports where an adapter sits in the failure cycle.
type AdapterState int

const (
	AdapterHealthy AdapterState = iota // requests flow
	AdapterTripped                     // consecutive failures exceeded the threshold
	AdapterProbing                     // probe window open, one request allowed
)

func (s AdapterState) String() string {
	switch s {
	case AdapterHealthy:
		return "healthy"
	case AdapterTripped:
		return "tripped"
	case AdapterProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// adapterHealth holds the per-adapter failure cycle. All fields are guarded
// by the tracker's mutex.
type adapterHealth struct {
	state       AdapterState
	consecutive int
	trippedAt   time.Time
	probeTaken  bool
}

// HealthTracker decides per-adapter availability. An adapter trips after
// failureThreshold consecutive failures, stays unavailable for
// recoveryProbeInterval, then admits a single probe request whose outcome
// either restores the adapter or re-trips it.
type HealthTracker struct {
	mu       sync.Mutex
	adapters map[string]*adapterHealth

	failureThreshold      int
	recoveryProbeInterval time.Duration
}

func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		adapters:              make(map[string]*adapterHealth),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
	}
}

// health returns the entry for an adapter, creating it healthy, and advances
// tripped entries into the probe window when the interval has elapsed.
// Must be called with mu held.
func (ht *HealthTracker) health(adapter string) *adapterHealth {
	h, ok := ht.adapters[adapter]
	if !ok {
		h = &adapterHealth{state: AdapterHealthy}
		ht.adapters[adapter] = h
	}
	if h.state == AdapterTripped && time.Since(h.trippedAt) >= ht.recoveryProbeInterval {
		h.state = AdapterProbing
		h.probeTaken = false
	}
	return h
}

// IsAvailable reports whether the adapter may take a request. During the
// probe window only the first caller is admitted.
func (ht *HealthTracker) IsAvailable(adapter string) bool {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	h := ht.health(adapter)
	switch h.state {
	case AdapterHealthy:
		return true
	case AdapterProbing:
		if h.probeTaken {
			return false
		}
		h.probeTaken = true
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure run. A successful probe restores the
// adapter.
func (ht *HealthTracker) RecordSuccess(adapter string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	h := ht.health(adapter)
	h.state = AdapterHealthy
	h.consecutive = 0
	h.probeTaken = false
}

// RecordFailure extends the failure run, tripping the adapter at the
// threshold. A failed probe re-trips and restarts the interval.
func (ht *HealthTracker) RecordFailure(adapter string) {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	h := ht.health(adapter)
	h.consecutive++

	switch h.state {
	case AdapterHealthy:
		if h.consecutive >= ht.failureThreshold {
			h.state = AdapterTripped
			h.trippedAt = time.Now()
		}
	case AdapterProbing:
		h.state = AdapterTripped
		h.trippedAt = time.Now()
	}
}

// State returns the adapter's current position in the failure cycle.
func (ht *HealthTracker) State(adapter string) AdapterState {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return ht.health(adapter).state
}

// States snapshots every tracked adapter's state.
func (ht *HealthTracker) States() map[string]string {
	ht.mu.Lock()
	defer ht.mu.Unlock()

	out := make(map[string]string, len(ht.adapters))
	for name := range ht.adapters {
		out[name] = ht.health(name).state.String()
	}
	return out
}
