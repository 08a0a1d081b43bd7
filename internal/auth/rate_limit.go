package auth

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"voyager-accounts/internal/observability"
)

// Policy describes one throttled endpoint. After DelayAfter hits inside the
// window each further request is slowed by Delay per extra hit; past Max the
// request is rejected.
type Policy struct {
	Name       string
	Max        int
	Window     time.Duration
	DelayAfter int
	Delay      time.Duration
	Message    string
	Redirect   string
}

var (
	LoginPolicy = Policy{
		Name:       "login",
		Max:        10,
		Window:     5 * time.Minute,
		DelayAfter: 5,
		Delay:      1500 * time.Millisecond,
		Message:    "Too many login attempts from this IP, please try again after 5 minutes.",
		Redirect:   "/login",
	}
	EmailConfirmationPolicy = Policy{
		Name:       "email_confirmation",
		Max:        10,
		Window:     5 * time.Minute,
		DelayAfter: 5,
		Delay:      1500 * time.Millisecond,
		Message:    "Too many email confirmation requests have been sent from this IP, please try again after 5 minutes.",
		Redirect:   "/",
	}
	CreateAccountPolicy = Policy{
		Name:       "create_account",
		Max:        5,
		Window:     time.Hour,
		DelayAfter: 1,
		Delay:      3 * time.Second,
		Message:    "Too many accounts created from this IP, please try again after an hour.",
		Redirect:   "/signup",
	}
)

// HitCounter records a hit for ip under scope and reports whether it is still
// within max, the hit count in the current window and, when rejected, how long
// until the window frees up.
type HitCounter interface {
	AllowIP(ctx context.Context, scope, ip string, max int, window time.Duration, now time.Time) (bool, int, time.Duration, error)
}

type LimitFunc func(w http.ResponseWriter, r *http.Request, policy Policy, retryAfter time.Duration)

type RateLimiter struct {
	counter HitCounter
	policy  Policy
	onLimit LimitFunc
	logger  *observability.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter(counter HitCounter, policy Policy, onLimit LimitFunc, logger *observability.Logger) *RateLimiter {
	if policy.Max <= 0 {
		policy.Max = 10
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}

	return &RateLimiter{
		counter: counter,
		policy:  policy,
		onLimit: onLimit,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepContext,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		allowed, hits, retryAfter, err := l.counter.AllowIP(r.Context(), l.policy.Name, ip, l.policy.Max, l.policy.Window, l.now())
		if err != nil {
			// Fail open.
			l.logger.Report("rate_limit_failed", err, map[string]any{"policy": l.policy.Name})
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			l.onLimit(w, r, l.policy, retryAfter)
			return
		}

		if delay := l.delayFor(hits); delay > 0 {
			if err := l.sleep(r.Context(), delay); err != nil {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) delayFor(hits int) time.Duration {
	if l.policy.Delay <= 0 || l.policy.DelayAfter <= 0 || hits <= l.policy.DelayAfter {
		return 0
	}
	return time.Duration(hits-l.policy.DelayAfter) * l.policy.Delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MemoryCounter is a per-process sliding-window HitCounter.
type MemoryCounter struct {
	mu        sync.Mutex
	hitByKey  map[string][]time.Time
	maxMemory int
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (c *MemoryCounter) AllowIP(_ context.Context, scope, ip string, max int, window time.Duration, now time.Time) (bool, int, time.Duration, error) {
	key := scope + "|" + ip
	threshold := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	hits := c.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= max {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		c.hitByKey[key] = filtered
		return false, len(filtered), retryAfter, nil
	}

	filtered = append(filtered, now)
	c.hitByKey[key] = filtered

	if len(c.hitByKey) > c.maxMemory {
		for k, value := range c.hitByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(c.hitByKey, k)
			}
		}
	}

	return true, len(filtered), 0, nil
}

// clientIP keys on RemoteAddr. Forwarding headers only count when a trusted
// proxy setup has already rewritten it.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
