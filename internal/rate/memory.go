package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per key. Buckets idle for longer than
// idleTTL are dropped on the next Allow after a GC interval.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	perMin   int
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

// NewLimiter allows perMinute events per key, with a burst of the same size.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		visitors: map[string]*visitor{},
		perMin:   perMinute,
		idleTTL:  3 * time.Minute,
		lastGC:   time.Now().UTC(),
		now:      time.Now,
	}
}

func (l *Limiter) Allow(key string) bool {
	if l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if now.Sub(l.lastGC) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
