package token

import (
	"errors"
	"strconv"
	"time"

	"github.com/dgiagkoudi/task-manager-auth/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken 表示签名校验失败或 token 已过期。
var ErrInvalidToken = errors.New("invalid or expired token")

// AccessClaims 是 access token 携带的声明。
//
// Subject 为用户 ID 的十进制字符串。
type AccessClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Email    string `json:"email"`
}

// refreshClaims 是 refresh token 携带的声明，只含用户 ID。
type refreshClaims struct {
	jwt.RegisteredClaims
}

// Manager 负责签发与校验 JWT。
//
// 校验只检查签名与过期时间，不查询存储；refresh token
// 与存储值的比对由调用方完成。
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewManager 创建 Token Manager。
func NewManager(secret string, accessTTL, refreshTTL time.Duration) *Manager {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Manager{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// RefreshTTL 返回 refresh token 的有效期（用于 cookie max-age）。
func (m *Manager) RefreshTTL() time.Duration {
	return m.refreshTTL
}

// IssueAccessToken 为用户签发 access token，声明包含 id/username/email。
func (m *Manager) IssueAccessToken(user *model.User) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
		Username: user.Username,
		Email:    user.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// IssueRefreshToken 为用户签发 refresh token，只包含用户 ID。
//
// jti 保证同一秒内的两次签发也产生不同 token，轮换才有意义。
func (m *Manager) IssueRefreshToken(user *model.User) (string, error) {
	now := time.Now()
	claims := refreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.refreshTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyAccess 校验 access token 并返回声明。
func (m *Manager) VerifyAccess(tokenStr string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := parseSubject(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRefresh 校验 refresh token 并返回其中的用户 ID。
func (m *Manager) VerifyRefresh(tokenStr string) (uint, error) {
	claims := &refreshClaims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, m.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	return parseSubject(claims.Subject)
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	return m.secret, nil
}

func parseSubject(subject string) (uint, error) {
	if subject == "" {
		return 0, ErrInvalidToken
	}
	uid, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return uint(uid), nil
}
