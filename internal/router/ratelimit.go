package router

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ParseRate parses "N/unit" where unit is s, m or h.
func ParseRate(value string) (rate.Limit, int, error) {
	parts := strings.Split(value, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate limit format: %s", value)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate limit count: %s", parts[0])
	}

	var duration time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		duration = time.Second
	case "m":
		duration = time.Minute
	case "h":
		duration = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate limit duration unit: %s", parts[1])
	}

	return rate.Every(duration / time.Duration(limit)), limit, nil
}

// connLimiter keeps one token bucket per connection. A nil *connLimiter
// allows everything.
type connLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func newConnLimiter(value string) (*connLimiter, error) {
	if value == "" {
		return nil, nil
	}
	limit, burst, err := ParseRate(value)
	if err != nil {
		return nil, err
	}
	return &connLimiter{limit: limit, burst: burst, limiters: make(map[uuid.UUID]*rate.Limiter)}, nil
}

func (l *connLimiter) allow(connID uuid.UUID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[connID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *connLimiter) forget(connID uuid.UUID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, connID)
	l.mu.Unlock()
}
