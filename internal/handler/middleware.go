package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"blog-cms/internal/apperr"
	"blog-cms/internal/auth"
)

const identityKey = "identity"

// DefineUser attaches the caller identity when a bearer token is present.
// Requests without a token continue anonymously; a bad token is rejected.
func DefineUser(tokens *auth.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			fail(c, apperr.Unauthorized("invalid authorization header"))
			return
		}

		id, err := tokens.Verify(token)
		if err != nil {
			fail(c, apperr.Unauthorized("invalid token"))
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireUser rejects anonymous requests. It runs after DefineUser.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if identity(c) == nil {
			fail(c, apperr.Unauthorized("unauthorized"))
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects anonymous and non-admin requests. It runs after DefineUser.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := identity(c)
		if id == nil {
			fail(c, apperr.Unauthorized("unauthorized"))
			return
		}
		if !id.IsAdmin() {
			fail(c, apperr.Forbidden("forbidden"))
			return
		}
		c.Next()
	}
}

func identity(c *gin.Context) *auth.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*auth.Identity)
	return id
}

// RequestLogger logs one line per request, at a level that follows the
// response status.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}

		ctx := c.Request.Context()
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.ErrorContext(ctx, "request completed", attrs...)
		case status >= 400:
			logger.WarnContext(ctx, "request completed", attrs...)
		default:
			logger.InfoContext(ctx, "request completed", attrs...)
		}
	}
}

// HideBlobMetadata keeps the bucket's ".attrs" sidecar files out of the
// public upload directory.
func HideBlobMetadata() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasSuffix(c.Request.URL.Path, ".attrs") {
			fail(c, apperr.NotFound("file not found"))
			return
		}
		c.Next()
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	rate      rate.Limit
	burst     int
	lastSweep time.Time
}

const limiterIdle = 5 * time.Minute

func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*ipLimiter),
		rate:      r,
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > limiterIdle {
		for key, l := range rl.limiters {
			if now.Sub(l.lastSeen) > limiterIdle {
				delete(rl.limiters, key)
			}
		}
		rl.lastSweep = now
	}

	if l, exists := rl.limiters[ip]; exists {
		l.lastSeen = now
		return l.limiter
	}

	limiter := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[ip] = &ipLimiter{limiter: limiter, lastSeen: now}
	return limiter
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			retryAfter := max(int(1.0/float64(rl.rate)), 1)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{Message: "too many requests"})
			return
		}
		c.Next()
	}
}
