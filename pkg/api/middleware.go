package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EdgeRateLimiter applies a per-client-IP limit in front of the
// dispatcher's own per-tenant limiting, so one misbehaving client
// cannot exhaust its tenant's whole budget.
type EdgeRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*edgeClient
	rps     rate.Limit
	burst   int
}

type edgeClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewEdgeRateLimiter creates the limiter and starts its eviction loop.
func NewEdgeRateLimiter(rps int, burst int) *EdgeRateLimiter {
	rl := &EdgeRateLimiter{
		clients: make(map[string]*edgeClient),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.evictIdle()
	return rl
}

func (rl *EdgeRateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &edgeClient{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// evictIdle drops entries not seen for three minutes.
func (rl *EdgeRateLimiter) evictIdle() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, c := range rl.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the limit, answering 429 with Retry-After.
func (rl *EdgeRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.limiterFor(ip).Allow() {
			WriteTooManyRequests(w, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}
