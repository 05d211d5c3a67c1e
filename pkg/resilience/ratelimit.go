package resilience

import (
	"sync"
	"time"
)

// RateLimiterConfig tunes the sliding-window limiter.
type RateLimiterConfig struct {
	Limit  int           // max requests per window per key
	Window time.Duration // trailing window length

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// RateLimiter is a sliding-window limiter keyed by (client identity,
// endpoint class). A request is allowed iff the count of timestamps within
// the trailing window is below the limit; stale timestamps are evicted
// lazily when a key is read.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu sync.Mutex
	m  map[string]*rateWindow
}

type rateWindow struct {
	timestamps []time.Time
	lastSeen   time.Time
}

// NewRateLimiter creates a limiter with the given config.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &RateLimiter{
		cfg: cfg,
		m:   make(map[string]*rateWindow),
	}
}

// Allow records a request attempt for (identity, class) at now. On denial it
// returns the time remaining until the oldest timestamp exits the window,
// which the caller can surface as a retry-after.
func (l *RateLimiter) Allow(identity, class string, now time.Time) (bool, time.Duration) {
	if l.cfg.Limit <= 0 || l.cfg.Window <= 0 {
		return true, 0
	}
	if identity == "" {
		identity = "anonymous"
	}
	key := identity + "|" + class

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.getOrCreateLocked(key, now)
	w.lastSeen = now

	cutoff := now.Add(-l.cfg.Window)
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept

	if len(w.timestamps) < l.cfg.Limit {
		w.timestamps = append(w.timestamps, now)
		return true, 0
	}
	return false, w.timestamps[0].Add(l.cfg.Window).Sub(now)
}

func (l *RateLimiter) getOrCreateLocked(key string, now time.Time) *rateWindow {
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory beats
		// perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}
	if w, ok := l.m[key]; ok {
		return w
	}
	w := &rateWindow{lastSeen: now}
	l.m[key] = w
	return w
}

func (l *RateLimiter) gcLocked(now time.Time) {
	for k, w := range l.m {
		if now.Sub(w.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}
