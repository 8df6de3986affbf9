package api

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // tokens replenished per second
	Burst int // bucket capacity
}

// Request costs. Reading project state is cheap; operations that spin up
// runs, agents and workspace directories are not, so they drain the bucket
// faster. A client hammering PATCH /retry exhausts its budget well before a
// dashboard polling GET /api/projects does.
const (
	costRead     = 1
	costMutation = 3
	costLaunch   = 5
)

func requestCost(c *fiber.Ctx) float64 {
	switch c.Method() {
	case fiber.MethodGet, fiber.MethodHead:
		return costRead
	case fiber.MethodPost:
		if strings.HasPrefix(c.Path(), "/api/projects") {
			return costLaunch
		}
		return costMutation
	default:
		return costMutation
	}
}

type clientBudget struct {
	tokens   float64
	lastSeen time.Time
}

// limiter meters request cost per client IP with a token bucket.
type limiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBudget
	rate     float64
	capacity float64
}

// take spends cost tokens for the client, refilling first. On refusal it
// returns how long the client should wait before the spend would succeed.
func (l *limiter) take(clientIP string, cost float64) (bool, time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[clientIP]
	if !ok {
		b = &clientBudget{tokens: l.capacity, lastSeen: now}
		l.clients[clientIP] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastSeen = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0
	}
	wait := time.Duration((cost - b.tokens) / l.rate * float64(time.Second))
	return false, wait
}

func (l *limiter) evictStale() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > 10*time.Minute {
				delete(l.clients, k)
			}
		}
		l.mu.Unlock()
	}
}

// NewRateLimitMiddleware returns a cost-weighted rate limiter. Probe
// endpoints are never limited.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	l := &limiter{
		clients:  make(map[string]*clientBudget),
		rate:     float64(cfg.RPS),
		capacity: float64(cfg.Burst),
	}
	go l.evictStale()

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		ok, wait := l.take(c.IP(), requestCost(c))
		if !ok {
			retryAfter := int(wait/time.Second) + 1
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}

		return c.Next()
	}
}
