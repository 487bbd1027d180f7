package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgiagkoudi/task-manager-auth/internal/api/token"
	"github.com/dgiagkoudi/task-manager-auth/internal/model"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type mockUserStore struct {
	users map[uint]*model.User

	createErr   error
	setRefresh  []string
	swapResults []bool
	swapCalls   int
	clearCalls  int
	resetToken  string
	resetExpiry time.Time
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: map[uint]*model.User{}}
}

func (m *mockUserStore) add(user *model.User) *model.User {
	if user.ID == 0 {
		user.ID = uint(len(m.users) + 1)
	}
	m.users[user.ID] = user
	return user
}

func (m *mockUserStore) Create(ctx context.Context, user *model.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.add(user)
	return nil
}

func (m *mockUserStore) FindByID(ctx context.Context, id uint) (*model.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (m *mockUserStore) FindByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	for _, u := range m.users {
		if u.Username == identifier || u.Email == identifier {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockUserStore) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockUserStore) FindByResetToken(ctx context.Context, resetToken string, now time.Time) (*model.User, error) {
	for _, u := range m.users {
		if u.ResetToken != nil && *u.ResetToken == resetToken &&
			u.ResetTokenExpiresAt != nil && u.ResetTokenExpiresAt.After(now) {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockUserStore) ExistsByUsernameOrEmail(ctx context.Context, username, email string) (bool, error) {
	for _, u := range m.users {
		if u.Username == username || u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserStore) SetRefreshToken(ctx context.Context, userID uint, refreshToken *string) error {
	if refreshToken == nil {
		m.clearCalls++
		if u, ok := m.users[userID]; ok {
			u.RefreshToken = nil
		}
		return nil
	}
	m.setRefresh = append(m.setRefresh, *refreshToken)
	if u, ok := m.users[userID]; ok {
		u.RefreshToken = refreshToken
	}
	return nil
}

func (m *mockUserStore) SwapRefreshToken(ctx context.Context, userID uint, oldToken, newToken string) (bool, error) {
	m.swapCalls++
	if len(m.swapResults) > 0 {
		result := m.swapResults[0]
		m.swapResults = m.swapResults[1:]
		return result, nil
	}
	u, ok := m.users[userID]
	if !ok || u.RefreshToken == nil || *u.RefreshToken != oldToken {
		return false, nil
	}
	u.RefreshToken = &newToken
	return true, nil
}

func (m *mockUserStore) SetResetToken(ctx context.Context, userID uint, resetToken string, expiresAt time.Time) error {
	m.resetToken = resetToken
	m.resetExpiry = expiresAt
	if u, ok := m.users[userID]; ok {
		u.ResetToken = &resetToken
		u.ResetTokenExpiresAt = &expiresAt
	}
	return nil
}

func (m *mockUserStore) UpdatePassword(ctx context.Context, userID uint, passwordHash string) error {
	if u, ok := m.users[userID]; ok {
		u.Password = passwordHash
		u.ResetToken = nil
		u.ResetTokenExpiresAt = nil
	}
	return nil
}

type mockMailer struct {
	sent    []string
	lastTok string
	err     error
}

func (m *mockMailer) SendResetEmail(toEmail string, tok string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, toEmail)
	m.lastTok = tok
	return nil
}

func newTestHandler(store *mockUserStore, mailer *mockMailer) (*Handler, *token.Manager) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := token.NewManager("test-secret", time.Hour, 7*24*time.Hour)
	return NewHandler(store, tokens, mailer, false, 15*time.Minute, logger), tokens
}

func postJSON(t *testing.T, handler gin.HandlerFunc, path string, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.POST(path, handler)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return string(hash)
}

func refreshCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	res := w.Result()
	for _, c := range res.Cookies() {
		if c.Name == RefreshCookieName {
			return c
		}
	}
	t.Fatalf("refresh cookie not set")
	return nil
}

func TestRegister_Normal(t *testing.T) {
	store := newMockUserStore()
	h, tokens := newTestHandler(store, &mockMailer{})

	w := postJSON(t, h.Register, "/register", `{"username":"alice","email":"a@x.com","password":"pw123"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID       uint   `json:"id"`
			Username string `json:"username"`
			Email    string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.User.Username != "alice" || resp.User.Email != "a@x.com" {
		t.Fatalf("unexpected user view: %+v", resp.User)
	}
	if strings.Contains(w.Body.String(), "password") {
		t.Fatalf("response must not contain password fields: %s", w.Body.String())
	}

	claims, err := tokens.VerifyAccess(resp.Token)
	if err != nil {
		t.Fatalf("access token should verify: %v", err)
	}
	if claims.Username != "alice" || claims.Email != "a@x.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	cookie := refreshCookie(t, w)
	if !cookie.HttpOnly {
		t.Fatalf("refresh cookie must be http-only")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("refresh cookie must be SameSite=Lax, got %v", cookie.SameSite)
	}
	if len(store.setRefresh) != 1 || store.setRefresh[0] != cookie.Value {
		t.Fatalf("stored refresh token must match cookie value")
	}
}

func TestRegister_BlankFields(t *testing.T) {
	store := newMockUserStore()
	h, _ := newTestHandler(store, &mockMailer{})

	for _, body := range []string{
		`{"username":"","email":"a@x.com","password":"pw"}`,
		`{"username":"alice","email":"","password":"pw"}`,
		`{"username":"alice","email":"a@x.com","password":""}`,
		`{}`,
	} {
		w := postJSON(t, h.Register, "/register", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestRegister_Conflict(t *testing.T) {
	store := newMockUserStore()
	store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})
	h, _ := newTestHandler(store, &mockMailer{})

	// 用户名冲突与邮箱冲突返回同一个错误
	for _, body := range []string{
		`{"username":"alice","email":"other@x.com","password":"pw"}`,
		`{"username":"other","email":"a@x.com","password":"pw"}`,
	} {
		w := postJSON(t, h.Register, "/register", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, w.Code)
		}
		if !strings.Contains(w.Body.String(), "already exists") {
			t.Fatalf("expected conflict error, got %s", w.Body.String())
		}
	}
}

func TestLogin_ByUsernameAndEmail(t *testing.T) {
	store := newMockUserStore()
	store.add(&model.User{Username: "alice", Email: "a@x.com", Password: hashPassword(t, "pw123")})
	h, tokens := newTestHandler(store, &mockMailer{})

	for _, identifier := range []string{"alice", "a@x.com"} {
		w := postJSON(t, h.Login, "/login", `{"identifier":"`+identifier+`","password":"pw123"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("identifier %s: expected 200, got %d: %s", identifier, w.Code, w.Body.String())
		}

		var resp struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		claims, err := tokens.VerifyAccess(resp.Token)
		if err != nil {
			t.Fatalf("access token should verify: %v", err)
		}
		if claims.Subject != "1" || claims.Username != "alice" || claims.Email != "a@x.com" {
			t.Fatalf("claims must mirror stored identity: %+v", claims)
		}
	}
}

func TestLogin_InvalidCredentialsIndistinguishable(t *testing.T) {
	store := newMockUserStore()
	store.add(&model.User{Username: "alice", Email: "a@x.com", Password: hashPassword(t, "pw123")})
	h, _ := newTestHandler(store, &mockMailer{})

	wrongPass := postJSON(t, h.Login, "/login", `{"identifier":"alice","password":"nope"}`)
	noUser := postJSON(t, h.Login, "/login", `{"identifier":"bob","password":"nope"}`)

	if wrongPass.Code != http.StatusBadRequest || noUser.Code != http.StatusBadRequest {
		t.Fatalf("expected 400/400, got %d/%d", wrongPass.Code, noUser.Code)
	}
	if wrongPass.Body.String() != noUser.Body.String() {
		t.Fatalf("error bodies must not reveal which check failed: %s vs %s",
			wrongPass.Body.String(), noUser.Body.String())
	}
}

func TestRefresh_NoCookie(t *testing.T) {
	h, _ := newTestHandler(newMockUserStore(), &mockMailer{})

	w := postJSON(t, h.Refresh, "/refresh", ``)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRefresh_InvalidToken(t *testing.T) {
	h, _ := newTestHandler(newMockUserStore(), &mockMailer{})

	w := postJSON(t, h.Refresh, "/refresh", ``, &http.Cookie{Name: RefreshCookieName, Value: "garbage"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	store := newMockUserStore()
	h, tokens := newTestHandler(store, &mockMailer{})

	user := store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})
	refresh, err := tokens.IssueRefreshToken(user)
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	user.RefreshToken = &refresh

	w := postJSON(t, h.Refresh, "/refresh", ``, &http.Cookie{Name: RefreshCookieName, Value: refresh})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, err := tokens.VerifyAccess(resp.Token); err != nil {
		t.Fatalf("new access token should verify: %v", err)
	}

	cookie := refreshCookie(t, w)
	if cookie.Value == refresh {
		t.Fatalf("refresh token must rotate on use")
	}
	if user.RefreshToken == nil || *user.RefreshToken != cookie.Value {
		t.Fatalf("rotated token must be persisted")
	}

	// 被轮换出去的旧 token 再次使用必须失败
	stale := postJSON(t, h.Refresh, "/refresh", ``, &http.Cookie{Name: RefreshCookieName, Value: refresh})
	if stale.Code != http.StatusForbidden {
		t.Fatalf("stale refresh token must get 403, got %d", stale.Code)
	}
}

func TestRefresh_ConcurrentRotationLoser(t *testing.T) {
	store := newMockUserStore()
	h, tokens := newTestHandler(store, &mockMailer{})

	user := store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})
	refresh, err := tokens.IssueRefreshToken(user)
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	user.RefreshToken = &refresh
	store.swapResults = []bool{false} // 另一个并发刷新抢先完成了轮换

	w := postJSON(t, h.Refresh, "/refresh", ``, &http.Cookie{Name: RefreshCookieName, Value: refresh})
	if w.Code != http.StatusForbidden {
		t.Fatalf("CAS loser must get 403, got %d", w.Code)
	}
}

func TestRefresh_UserDeleted(t *testing.T) {
	store := newMockUserStore()
	h, tokens := newTestHandler(store, &mockMailer{})

	refresh, err := tokens.IssueRefreshToken(&model.User{ID: 99})
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}

	w := postJSON(t, h.Refresh, "/refresh", ``, &http.Cookie{Name: RefreshCookieName, Value: refresh})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown user, got %d", w.Code)
	}
}

func TestLogout_AlwaysSucceeds(t *testing.T) {
	store := newMockUserStore()
	h, tokens := newTestHandler(store, &mockMailer{})

	// 无 cookie
	w := postJSON(t, h.Logout, "/logout", ``)
	if w.Code != http.StatusOK {
		t.Fatalf("logout without cookie: expected 200, got %d", w.Code)
	}

	// 垃圾 cookie
	w = postJSON(t, h.Logout, "/logout", ``, &http.Cookie{Name: RefreshCookieName, Value: "garbage"})
	if w.Code != http.StatusOK {
		t.Fatalf("logout with bad cookie: expected 200, got %d", w.Code)
	}

	// 有效 cookie：清除服务端 refresh token
	user := store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})
	refresh, err := tokens.IssueRefreshToken(user)
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	user.RefreshToken = &refresh

	w = postJSON(t, h.Logout, "/logout", ``, &http.Cookie{Name: RefreshCookieName, Value: refresh})
	if w.Code != http.StatusOK {
		t.Fatalf("logout with valid cookie: expected 200, got %d", w.Code)
	}
	if user.RefreshToken != nil {
		t.Fatalf("server-side refresh token must be revoked")
	}

	cookie := refreshCookie(t, w)
	if cookie.Value != "" || cookie.MaxAge >= 0 {
		t.Fatalf("refresh cookie must be cleared, got value=%q maxAge=%d", cookie.Value, cookie.MaxAge)
	}
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	h, _ := newTestHandler(newMockUserStore(), &mockMailer{})

	w := postJSON(t, h.ForgotPassword, "/forgot-password", `{"email":"nobody@x.com"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestForgotPassword_SendsToken(t *testing.T) {
	store := newMockUserStore()
	mailer := &mockMailer{}
	h, _ := newTestHandler(store, mailer)

	store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})

	before := time.Now()
	w := postJSON(t, h.ForgotPassword, "/forgot-password", `{"email":"a@x.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(mailer.sent) != 1 || mailer.sent[0] != "a@x.com" {
		t.Fatalf("reset email must be sent to the user")
	}
	if mailer.lastTok != store.resetToken {
		t.Fatalf("mailed token must match stored token")
	}
	if len(store.resetToken) != 64 {
		t.Fatalf("expected 32-byte hex token, got %d chars", len(store.resetToken))
	}

	ttl := store.resetExpiry.Sub(before)
	if ttl < 14*time.Minute || ttl > 16*time.Minute {
		t.Fatalf("reset token expiry must be ~15m, got %v", ttl)
	}
}

func TestForgotPassword_MailerFailure(t *testing.T) {
	store := newMockUserStore()
	mailer := &mockMailer{err: io.ErrUnexpectedEOF}
	h, _ := newTestHandler(store, mailer)

	store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})

	w := postJSON(t, h.ForgotPassword, "/forgot-password", `{"email":"a@x.com"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on mailer failure, got %d", w.Code)
	}
}

func TestResetPassword_InvalidOrExpired(t *testing.T) {
	store := newMockUserStore()
	h, _ := newTestHandler(store, &mockMailer{})

	// 不存在的 token
	w := postJSON(t, h.ResetPassword, "/reset-password", `{"token":"nope","newPassword":"new"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown token: expected 400, got %d", w.Code)
	}

	// 过期的 token：即使值正确也必须拒绝
	user := store.add(&model.User{Username: "alice", Email: "a@x.com", Password: "x"})
	tok := "expired-token"
	expired := time.Now().Add(-time.Minute)
	user.ResetToken = &tok
	user.ResetTokenExpiresAt = &expired

	w = postJSON(t, h.ResetPassword, "/reset-password", `{"token":"expired-token","newPassword":"new"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expired token: expected 400, got %d", w.Code)
	}
}

func TestResetPassword_Normal(t *testing.T) {
	store := newMockUserStore()
	h, _ := newTestHandler(store, &mockMailer{})

	user := store.add(&model.User{Username: "alice", Email: "a@x.com", Password: hashPassword(t, "old")})
	tok := "valid-token"
	expiry := time.Now().Add(10 * time.Minute)
	user.ResetToken = &tok
	user.ResetTokenExpiresAt = &expiry

	w := postJSON(t, h.ResetPassword, "/reset-password", `{"token":"valid-token","newPassword":"brand-new"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("brand-new")); err != nil {
		t.Fatalf("new password must be stored hashed: %v", err)
	}
	if user.ResetToken != nil || user.ResetTokenExpiresAt != nil {
		t.Fatalf("reset token must be single use")
	}

	// 同一 token 不能再次使用
	w = postJSON(t, h.ResetPassword, "/reset-password", `{"token":"valid-token","newPassword":"again"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("reused token: expected 400, got %d", w.Code)
	}
}
