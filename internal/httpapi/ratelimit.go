package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// loginLimiter throttles failed logins per client IP. Successful logins do not
// consume budget.
type loginLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*loginClient
	now     func() time.Time
}

type loginClient struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(attempts int, window time.Duration) *loginLimiter {
	return &loginLimiter{
		limit:   rate.Every(window / time.Duration(attempts)),
		burst:   attempts,
		idle:    window,
		clients: make(map[string]*loginClient),
		now:     time.Now,
	}
}

func (l *loginLimiter) client(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > l.idle && c.lim.TokensAt(now) >= float64(l.burst) {
			delete(l.clients, k)
		}
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &loginClient{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.lim
}

// Blocked reports whether ip has used up its failure budget.
func (l *loginLimiter) Blocked(ip string) bool {
	return l.client(ip).TokensAt(l.now()) < 1
}

// Fail spends one unit of ip's budget.
func (l *loginLimiter) Fail(ip string) {
	l.client(ip).AllowN(l.now(), 1)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
