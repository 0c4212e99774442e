// Package ratelimit admits state-mutating commands per connection with two
// sliding windows.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"prism-sync/config"
)

const (
	shortWindow = time.Second
	longWindow  = time.Minute
)

// Window names reported in a rejection.
const (
	ReasonSecond = "second"
	ReasonMinute = "minute"
	ReasonClosed = "closed"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Reason names the window whose ceiling was hit.
	Reason string
	// Notify is set on the first rejection after the cooldown elapsed.
	Notify bool
}

type windows struct {
	second     []time.Time
	minute     []time.Time
	lastNotify time.Time
	notified   bool
}

// Limiter keeps per-connection window state. Entries exist between Open and
// Close only.
type Limiter struct {
	perSecond int
	perMinute int
	cooldown  time.Duration
	clock     clock.Clock

	mu    sync.Mutex
	conns map[string]*windows
}

func New(cfg config.RateLimit, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		perSecond: cfg.PerSecond,
		perMinute: cfg.PerMinute,
		cooldown:  cfg.NotifyCooldown,
		clock:     clk,
		conns:     make(map[string]*windows),
	}
}

func (l *Limiter) Open(id string) {
	l.mu.Lock()
	l.conns[id] = &windows{}
	l.mu.Unlock()
}

func (l *Limiter) Close(id string) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

// Allow checks and, when admitted, records one command for id. A closed or
// unknown connection is never admitted.
func (l *Limiter) Allow(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.conns[id]
	if !ok {
		return Decision{Reason: ReasonClosed}
	}
	now := l.clock.Now()
	w.second = prune(w.second, now, shortWindow)
	w.minute = prune(w.minute, now, longWindow)

	reason := ""
	switch {
	case len(w.second) >= l.perSecond:
		reason = ReasonSecond
	case len(w.minute) >= l.perMinute:
		reason = ReasonMinute
	}
	if reason != "" {
		d := Decision{Reason: reason}
		if !w.notified || now.Sub(w.lastNotify) >= l.cooldown {
			d.Notify = true
			w.notified = true
			w.lastNotify = now
		}
		return d
	}

	w.second = append(w.second, now)
	w.minute = append(w.minute, now)
	return Decision{Allowed: true}
}

// prune drops timestamps that fell out of the window. ts is ordered.
func prune(ts []time.Time, now time.Time, width time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= width {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// Len returns the number of tracked connections.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}
