package router

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HttpRateLimit applies a per-client token bucket keyed by remote IP.
// Idle buckets are swept after ten minutes so the map stays bounded.
func HttpRateLimit(perSecond float64, burst int) fiber.Handler {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = 40
	}

	var mu sync.Mutex
	clients := make(map[string]*clientLimiter)

	go func() {
		for range time.Tick(time.Minute) {
			mu.Lock()
			for ip, entry := range clients {
				if time.Since(entry.lastSeen) > 10*time.Minute {
					delete(clients, ip)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		if v := c.Locals("remote_ip"); v != nil {
			if s, ok := v.(string); ok && s != "" {
				ip = s
			}
		}

		mu.Lock()
		entry, ok := clients[ip]
		if !ok {
			entry = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
			clients[ip] = entry
		}
		entry.lastSeen = time.Now()
		mu.Unlock()

		if !entry.limiter.Allow() {
			return ResponseTooManyRequests(c, "rate limit exceeded")
		}
		return c.Next()
	}
}
