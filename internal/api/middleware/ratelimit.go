package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dgiagkoudi/task-manager-auth/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// AuthRateLimit 对认证接口按客户端 IP 限流。
//
// limiter 为 nil 时（未配置 Redis）直接放行；Redis 出错时
// 也放行，限流失效不应阻断登录。
func AuthRateLimit(limiter *ratelimit.RateLimiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		allowed, waitMs, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			if logger != nil {
				logger.Warn("rate limit check failed", slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !allowed {
			retryAfter := (waitMs + 999) / 1000
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			c.Abort()
			return
		}

		c.Next()
	}
}
