package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/harrison/foreman/internal/config"
)

// limiter applies a per-client sliding-window rate limit. Client windows
// live in a bounded LRU so a scan of many source addresses cannot grow
// memory without limit; evicting an idle client merely restarts its window.
type limiter struct {
	window  time.Duration
	max     int
	clients *lru.Cache[string, *clientWindow]
	now     func() time.Time
}

type clientWindow struct {
	mu    sync.Mutex
	times []time.Time
}

func newLimiter(cfg *config.Config) *limiter {
	cache, _ := lru.New[string, *clientWindow](cfg.RateLimitMaxClients)
	return &limiter{
		window:  cfg.RateLimitWindow,
		max:     cfg.RateLimitMaxRequests,
		clients: cache,
		now:     time.Now,
	}
}

// allow records one request for the client and reports whether it stays
// within budget.
func (l *limiter) allow(client string) bool {
	w, ok := l.clients.Get(client)
	if !ok {
		w = &clientWindow{}
		// Another request may have raced the insert; use whichever won.
		if prev, found, _ := l.clients.PeekOrAdd(client, w); found {
			w = prev
		}
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= l.max {
		return false
	}
	w.times = append(w.times, now)
	return true
}
