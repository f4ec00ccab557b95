package admission

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL = 10 * time.Minute
	evictEvery     = 512
)

// TokenBucket keeps one token bucket per origin host. Buckets that were
// not used for IdleTTL are dropped every few hundred requests.
type TokenBucket struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*bucket
	hits  uint64

	now func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewTokenBucket(rps float64, burst int, idleTTL time.Duration) *TokenBucket {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &TokenBucket{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *TokenBucket) Admit(origin, _ string) bool {
	key := originHost(origin)
	if key == "" {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%evictEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}

// Len is the number of origins currently tracked.
func (l *TokenBucket) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

// originHost strips the port so every connection of one client shares a
// bucket.
func originHost(origin string) string {
	origin = strings.TrimSpace(origin)
	if host, _, err := net.SplitHostPort(origin); err == nil {
		return host
	}
	return origin
}
