package mgmt

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/domainsync/internal/clock"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int
}

// idleBucket is how long a client bucket survives without requests.
const idleBucket = 10 * time.Minute

type bucket struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	rps     float64
	burst   float64
	clients map[string]*bucket
	swept   time.Time
}

func newRateLimiter(cfg RateLimitConfig, clk clock.Clock) *rateLimiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = cfg.RPS
	}
	return &rateLimiter{
		clock:   clk,
		rps:     float64(cfg.RPS),
		burst:   float64(burst),
		clients: make(map[string]*bucket),
		swept:   clk.Now(),
	}
}

// allow takes a token for client. When refused, wait is the time until the
// next token.
func (rl *rateLimiter) allow(client string) (ok bool, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if now.Sub(rl.swept) > idleBucket {
		for k, b := range rl.clients {
			if now.Sub(b.last) > idleBucket {
				delete(rl.clients, k)
			}
		}
		rl.swept = now
	}

	b, found := rl.clients[client]
	if !found {
		b = &bucket{tokens: rl.burst, last: now}
		rl.clients[client] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * rl.rps
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	return false, time.Duration((1 - b.tokens) / rl.rps * float64(time.Second))
}

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
// Health and metrics endpoints are exempt.
func NewRateLimitMiddleware(cfg RateLimitConfig, clk clock.Clock) fiber.Handler {
	rl := newRateLimiter(cfg, clk)

	return func(c *fiber.Ctx) error {
		if isOpsEndpoint(c.Path()) {
			return c.Next()
		}
		ok, wait := rl.allow(c.IP())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests",
				"Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
