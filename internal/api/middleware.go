package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tracking-core/internal/mode"
	"tracking-core/internal/monitor"
)

const (
	modeContextKey     = "TradingMode"
	explicitContextKey = "TradingModeExplicit"

	// ModeHeader carries the explicit trading mode of a request.
	ModeHeader = "X-Trading-Mode"
)

// ipLimiters hands out one token bucket per client IP. The table is
// dropped wholesale every resetEvery so idle clients do not accumulate.
type ipLimiters struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	resetEvery time.Duration
	lastReset  time.Time
}

func newIPLimiters(perSecond float64, burst int) *ipLimiters {
	if perSecond <= 0 {
		perSecond = 20
	}
	if burst <= 0 {
		burst = 50
	}
	return &ipLimiters{
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		resetEvery: 5 * time.Minute,
		lastReset:  time.Now(),
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastReset) > l.resetEvery {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastReset = time.Now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID, "+ModeHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func RateLimitMiddleware(limiters *ipLimiters, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.get(ip).Allow() {
			log.Warn("rate limit exceeded", zap.String("ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context; venue calls made on behalf
// of the request give up when it expires.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs all API requests with timing and status; optionally records metrics.
func RequestLogger(log *zap.Logger, metrics *monitor.SweepMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if metrics != nil {
			metrics.RecordRequest(latency, status >= 400)
		}

		fields := []zap.Field{
			zap.String("request_id", c.GetString("RequestID")),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if uid := CurrentUserID(c); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if status >= 500 {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}

// ModeResolver reports the mode a wallet belongs to.
type ModeResolver interface {
	WalletMode(ctx context.Context, walletID string) (mode.Mode, error)
}

// ModeMiddleware determines the trading mode of a request: the X-Trading-Mode
// header when present, else the mode of the wallet_id query parameter, else
// DEMO. Handlers whose body names a wallet refine the implicit case with
// requestMode.
func ModeMiddleware(resolver ModeResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(ModeHeader); raw != "" {
			m, err := mode.Parse(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"code":  "INVALID_MODE",
					"error": err.Error(),
				})
				return
			}
			c.Set(modeContextKey, m)
			c.Set(explicitContextKey, true)
			c.Next()
			return
		}

		var implied mode.Mode
		if walletID := c.Query("wallet_id"); walletID != "" && resolver != nil {
			if m, err := resolver.WalletMode(c.Request.Context(), walletID); err == nil {
				implied = m
			}
		}
		c.Set(modeContextKey, mode.Resolve("", implied))
		c.Next()
	}
}

// CurrentMode returns the mode chosen by ModeMiddleware.
func CurrentMode(c *gin.Context) mode.Mode {
	if v, ok := c.Get(modeContextKey); ok {
		if m, okCast := v.(mode.Mode); okCast {
			return m
		}
	}
	return mode.Default
}

func modeExplicit(c *gin.Context) bool {
	return c.GetBool(explicitContextKey)
}
