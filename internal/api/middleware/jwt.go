package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dgiagkoudi/task-manager-auth/internal/api/token"
	"github.com/dgiagkoudi/task-manager-auth/internal/model"

	"github.com/gin-gonic/gin"
)

// UserResolver 将 token 中的用户 ID 解析为存储中的用户。
type UserResolver interface {
	FindByID(ctx context.Context, id uint) (*model.User, error)
}

// AuthMiddleware 校验 Bearer access token 并将调用方身份写入上下文。
//
// 凭证缺失返回 401，签名/过期校验失败返回 403；token 有效但用户
// 已不存在（例如账号被删除）同样返回 401。
func AuthMiddleware(tokens *token.Manager, users UserResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}

		claims, err := tokens.VerifyAccess(parts[1])
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		userID, err := parseUserID(claims.Subject)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		user, err := users.FindByID(c.Request.Context(), userID)
		if err != nil {
			// token 仍然有效但账号已被删除
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}

		c.Set("userID", user.ID)
		c.Set("username", user.Username)
		c.Set("email", user.Email)
		c.Next()
	}
}

func parseUserID(subject string) (uint, error) {
	if subject == "" {
		return 0, errors.New("empty subject")
	}
	uid, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(uid), nil
}
