package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgiagkoudi/task-manager-auth/internal/api/token"
	"github.com/dgiagkoudi/task-manager-auth/internal/model"
	"github.com/dgiagkoudi/task-manager-auth/internal/pkg/metrics"
	"github.com/dgiagkoudi/task-manager-auth/internal/pkg/notify"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// RefreshCookieName refresh token 使用的 cookie 名。
const RefreshCookieName = "refresh_token"

// ErrNotFound 表示用户不存在。
var ErrNotFound = errors.New("user not found")

// UserStore 用户存储接口。
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	FindByID(ctx context.Context, id uint) (*model.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	FindByResetToken(ctx context.Context, resetToken string, now time.Time) (*model.User, error)
	ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error)
	SetRefreshToken(ctx context.Context, userID uint, refreshToken *string) error
	SwapRefreshToken(ctx context.Context, userID uint, oldToken, newToken string) (bool, error)
	SetResetToken(ctx context.Context, userID uint, resetToken string, expiresAt time.Time) error
	UpdatePassword(ctx context.Context, userID uint, passwordHash string) error
}

// Handler 提供注册、登录、刷新、注销与密码重置接口。
type Handler struct {
	store        UserStore
	tokens       *token.Manager
	mailer       notify.Mailer
	cookieSecure bool
	resetTTL     time.Duration
	logger       *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(store UserStore, tokens *token.Manager, mailer notify.Mailer, cookieSecure bool, resetTTL time.Duration, logger *slog.Logger) *Handler {
	if resetTTL <= 0 {
		resetTTL = 15 * time.Minute
	}
	return &Handler{
		store:        store,
		tokens:       tokens,
		mailer:       mailer,
		cookieSecure: cookieSecure,
		resetTTL:     resetTTL,
		logger:       logger,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

// userView 返回给客户端的用户公开视图，不含密码哈希。
type userView struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  userView `json:"user"`
}

// Register 创建新用户并直接签发会话。
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "all fields are required"})
		return
	}
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if username == "" || email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "all fields are required"})
		return
	}

	exists, err := h.store.ExistsByUsernameOrEmail(c.Request.Context(), username, email)
	if err != nil {
		h.logger.Error("check existing user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}
	if exists {
		metrics.RecordAuthEvent("register", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "username or email already exists"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := &model.User{
		Username: username,
		Email:    email,
		Password: string(hash),
	}
	if err := h.store.Create(c.Request.Context(), user); err != nil {
		h.logger.Error("create user failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create user failed"})
		return
	}

	accessToken, err := h.openSession(c, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.logger.Info("user registered", slog.String("username", username), slog.String("email", email))
	metrics.RecordAuthEvent("register", true)
	c.JSON(http.StatusCreated, authResponse{
		Token: accessToken,
		User:  userView{ID: user.ID, Username: user.Username, Email: user.Email},
	})
}

// Login 按用户名或邮箱校验用户并签发会话。
//
// 用户不存在与密码错误返回同一错误信息，不暴露具体原因。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier and password are required"})
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier and password are required"})
		return
	}

	user, err := h.store.FindByIdentifier(c.Request.Context(), identifier)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.RecordAuthEvent("login", false)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials"})
			return
		}
		h.logger.Error("query user failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		metrics.RecordAuthEvent("login", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credentials"})
		return
	}

	accessToken, err := h.openSession(c, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.logger.Info("user logged in", slog.String("username", user.Username))
	metrics.RecordAuthEvent("login", true)
	c.JSON(http.StatusOK, authResponse{
		Token: accessToken,
		User:  userView{ID: user.ID, Username: user.Username, Email: user.Email},
	})
}

// Refresh 用 cookie 中的 refresh token 换取新的 access token。
//
// 每次刷新都会轮换 refresh token：旧值通过 compare-and-swap
// 写入新值，轮换后的旧 token 再次使用会得到 403。
func (h *Handler) Refresh(c *gin.Context) {
	presented, err := c.Cookie(RefreshCookieName)
	if err != nil || presented == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no refresh token"})
		return
	}

	userID, err := h.tokens.VerifyRefresh(presented)
	if err != nil {
		metrics.RecordAuthEvent("refresh", false)
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid refresh token"})
		return
	}

	user, err := h.store.FindByID(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.RecordAuthEvent("refresh", false)
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid refresh token"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}
	if user.RefreshToken == nil || *user.RefreshToken != presented {
		// 已被轮换出去的旧 token，视为重放
		metrics.RecordAuthEvent("refresh", false)
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid refresh token"})
		return
	}

	newRefresh, err := h.tokens.IssueRefreshToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}
	swapped, err := h.store.SwapRefreshToken(c.Request.Context(), user.ID, presented, newRefresh)
	if err != nil {
		h.logger.Error("rotate refresh token failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotate token failed"})
		return
	}
	if !swapped {
		// 并发刷新时只有一个调用方能完成轮换
		metrics.RecordAuthEvent("refresh", false)
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid refresh token"})
		return
	}

	accessToken, err := h.tokens.IssueAccessToken(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign token failed"})
		return
	}

	h.setRefreshCookie(c, newRefresh)
	metrics.RecordAuthEvent("refresh", true)
	c.JSON(http.StatusOK, gin.H{"token": accessToken})
}

// Logout 注销会话。
//
// 服务端吊销是尽力而为：cookie 缺失或校验失败时也一律清除
// cookie 并返回成功，注销对调用方永不失败。
func (h *Handler) Logout(c *gin.Context) {
	if presented, err := c.Cookie(RefreshCookieName); err == nil && presented != "" {
		if userID, verifyErr := h.tokens.VerifyRefresh(presented); verifyErr == nil {
			if clearErr := h.store.SetRefreshToken(c.Request.Context(), userID, nil); clearErr != nil {
				h.logger.Warn("clear refresh token failed", slog.String("error", clearErr.Error()))
			}
		}
	}

	h.clearRefreshCookie(c)
	metrics.RecordAuthEvent("logout", true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// ForgotPassword 生成重置 token 并通过邮件发送重置链接。
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	user, err := h.store.FindByEmail(c.Request.Context(), email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no user with that email"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}

	resetToken, err := generateResetToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate reset token failed"})
		return
	}
	expiresAt := time.Now().Add(h.resetTTL)
	if err := h.store.SetResetToken(c.Request.Context(), user.ID, resetToken, expiresAt); err != nil {
		h.logger.Error("store reset token failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store reset token failed"})
		return
	}

	if err := h.mailer.SendResetEmail(email, resetToken); err != nil {
		h.logger.Warn("send reset email failed", slog.String("email", email), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "send reset email failed"})
		return
	}

	h.logger.Info("reset email requested", slog.String("email", email))
	metrics.RecordAuthEvent("reset", true)
	c.JSON(http.StatusOK, gin.H{"message": "password reset email sent"})
}

// ResetPassword 用有效期内的重置 token 修改密码，token 一次性使用。
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing data"})
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing data"})
		return
	}

	user, err := h.store.FindByResetToken(c.Request.Context(), req.Token, time.Now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.RecordAuthEvent("reset", false)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired token"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query user failed"})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}
	if err := h.store.UpdatePassword(c.Request.Context(), user.ID, string(hash)); err != nil {
		h.logger.Error("update password failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update password failed"})
		return
	}

	h.logger.Info("password reset", slog.String("username", user.Username))
	c.JSON(http.StatusOK, gin.H{"message": "password changed"})
}

// openSession 签发 access+refresh token，持久化 refresh token 并写 cookie。
func (h *Handler) openSession(c *gin.Context, user *model.User) (string, error) {
	accessToken, err := h.tokens.IssueAccessToken(user)
	if err != nil {
		h.logger.Error("sign access token failed", slog.String("error", err.Error()))
		return "", err
	}
	refreshToken, err := h.tokens.IssueRefreshToken(user)
	if err != nil {
		h.logger.Error("sign refresh token failed", slog.String("error", err.Error()))
		return "", err
	}
	if err := h.store.SetRefreshToken(c.Request.Context(), user.ID, &refreshToken); err != nil {
		h.logger.Error("store refresh token failed", slog.String("error", err.Error()))
		return "", err
	}
	h.setRefreshCookie(c, refreshToken)
	return accessToken, nil
}

func (h *Handler) setRefreshCookie(c *gin.Context, value string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(RefreshCookieName, value, int(h.tokens.RefreshTTL().Seconds()), "/", "", h.cookieSecure, true)
}

func (h *Handler) clearRefreshCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(RefreshCookieName, "", -1, "/", "", h.cookieSecure, true)
}

func generateResetToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
