package swcache

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per key and interval. A full
// network outage fails every request, this keeps it to a line per host.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   map[string]time.Time
	dropped  map[string]int
	interval time.Duration
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		lastAt:   map[string]time.Time{},
		dropped:  map[string]int{},
		interval: interval,
	}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.dropped[key]++
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	n := l.dropped[key]
	delete(l.dropped, key)
	l.mu.Unlock()

	if n > 0 {
		format += " (%d similar suppressed)"
		args = append(args, n)
	}
	log.Printf(format, args...)
}
