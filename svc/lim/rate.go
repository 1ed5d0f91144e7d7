// Package lim provides a per-IP token bucket rate limiter for the HTTP
// surface, with bounded memory and periodic eviction of idle buckets.
package lim

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/est/p.est.im/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
)

type Limiter struct {
	trustedProxies []string
	localLimiters  map[string]*limiterEntry
	mu             sync.Mutex
	rpm            int
	burst          int
	quit           chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(rpm, burst int, trustedProxies []string) *Limiter {
	l := &Limiter{
		trustedProxies: trustedProxies,
		localLimiters:  make(map[string]*limiterEntry),
		rpm:            rpm,
		burst:          burst,
		quit:           make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictExpiredLimiters() {
	now := time.Now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.localLimiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.localLimiters, key)
			evicted++
		}
	}
	remaining := len(l.localLimiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) Stop() {
	close(l.quit)
}

// CheckLimit applies the per-IP bucket for the given endpoint class.
// At map capacity new clients are rejected rather than letting the map
// grow without bound.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *Result {
	ip := GetRealIP(r, l.trustedProxies)
	key := ip + ":" + endpoint
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, exists := l.localLimiters[key]
	if !exists {
		if len(l.localLimiters) >= maxLimiters {
			util.Warn().Int("limiters", len(l.localLimiters)).Str("ip", ip).Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Limit: l.rpm, Remaining: 0, Reset: time.Now().Add(time.Minute)}
		}
		entry = &limiterEntry{
			limiter:    rate.NewLimiter(rate.Limit(l.rpm)/60.0, l.burst),
			lastAccess: time.Now(),
		}
		l.localLimiters[key] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	if !entry.limiter.Allow() {
		return &Result{Allowed: false, Limit: l.rpm, Remaining: 0, Reset: time.Now().Add(time.Minute)}
	}
	remaining := int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return &Result{Allowed: true, Limit: l.rpm, Remaining: remaining, Reset: time.Now().Add(time.Minute)}
}

// GetRealIP resolves the client address, trusting X-Forwarded-For only
// when the immediate peer is a configured trusted proxy, walking the
// chain right-to-left until the first untrusted hop.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", ipStr).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil {
				parsedIP := net.ParseIP(ip)
				if parsedIP != nil && subnet.Contains(parsedIP) {
					return true
				}
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
