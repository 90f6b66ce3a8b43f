package api

import (
	"sync"
	"time"
)

// clientLimiter enforces a fixed-window request quota per client key.
// Windows reset lazily on the next request after expiry.
type clientLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientWindow
	lastSweep time.Time
}

type clientWindow struct {
	count   int
	started time.Time
}

func newClientLimiter(limit int, window time.Duration) *clientLimiter {
	return &clientLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// Allow consumes one slot for the client. When the quota is exhausted it
// returns false and the time until the window resets. At most once per window
// it also sweeps fully expired clients so the map stays bounded by the set of
// clients active in the last window.
func (l *clientLimiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(now)
		l.lastSweep = now
	}

	w, ok := l.clients[client]
	if !ok || now.Sub(w.started) >= l.window {
		l.clients[client] = &clientWindow{count: 1, started: now}
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.started.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// sweep drops windows that have fully expired. Caller holds the mutex.
func (l *clientLimiter) sweep(now time.Time) {
	for client, w := range l.clients {
		if now.Sub(w.started) >= l.window {
			delete(l.clients, client)
		}
	}
}
