// Package client 是 API 的 Go 客户端。
//
// Session 扮演浏览器端会话管理器的角色：为每个请求附加 access token，
// 通过 cookie jar 携带 refresh cookie，并在 access token 过期（401）时
// 透明地刷新一次并重发原请求。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"
)

// ErrAuthenticationRequired 表示刷新失败，调用方需要重新登录。
var ErrAuthenticationRequired = errors.New("authentication required")

// APIError 是服务端返回的业务错误。
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Message)
}

// User 用户公开视图。
type User struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Task 一条待办事项。
type Task struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	UserID    uint      `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session 持有客户端会话状态。
//
// access token 与用户信息在 Login/Register 时写入，在 Logout
// 或刷新失败时清空；refresh cookie 由 http.Client 的 jar 管理。
type Session struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
	user  *User
}

// NewSession 创建指向 baseURL 的客户端会话。
func NewSession(baseURL string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}, nil
}

// User 返回当前登录用户，未登录时为 nil。
func (s *Session) User() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Token 返回当前 access token。
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

type authResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Register 注册新用户并建立会话。
func (s *Session) Register(ctx context.Context, username, email, password string) (*User, error) {
	payload := map[string]string{"username": username, "email": email, "password": password}
	var resp authResponse
	if err := s.doJSON(ctx, http.MethodPost, "/api/auth/register", payload, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	s.storeSession(resp.Token, resp.User)
	u := resp.User
	return &u, nil
}

// Login 用用户名或邮箱登录并建立会话。
func (s *Session) Login(ctx context.Context, identifier, password string) (*User, error) {
	payload := map[string]string{"identifier": identifier, "password": password}
	var resp authResponse
	if err := s.doJSON(ctx, http.MethodPost, "/api/auth/login", payload, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	s.storeSession(resp.Token, resp.User)
	u := resp.User
	return &u, nil
}

// Logout 注销会话。无论服务端结果如何都会清空本地状态。
func (s *Session) Logout(ctx context.Context) error {
	err := s.doJSON(ctx, http.MethodPost, "/api/auth/logout", nil, http.StatusOK, nil)
	s.clearSession()
	return err
}

// ForgotPassword 请求发送重置密码邮件。
func (s *Session) ForgotPassword(ctx context.Context, email string) error {
	payload := map[string]string{"email": email}
	return s.doJSON(ctx, http.MethodPost, "/api/auth/forgot-password", payload, http.StatusOK, nil)
}

// ResetPassword 用邮件中的 token 设置新密码。
func (s *Session) ResetPassword(ctx context.Context, token, newPassword string) error {
	payload := map[string]string{"token": token, "newPassword": newPassword}
	return s.doJSON(ctx, http.MethodPost, "/api/auth/reset-password", payload, http.StatusOK, nil)
}

// Tasks 返回当前用户的全部任务。
func (s *Session) Tasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	if err := s.doJSON(ctx, http.MethodGet, "/api/tasks", nil, http.StatusOK, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask 创建一条任务。
func (s *Session) CreateTask(ctx context.Context, title string) (*Task, error) {
	payload := map[string]string{"title": title}
	var task Task
	if err := s.doJSON(ctx, http.MethodPost, "/api/tasks", payload, http.StatusCreated, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask 覆盖任务的 title/done。
func (s *Session) UpdateTask(ctx context.Context, id uint, title string, done bool) (*Task, error) {
	payload := map[string]interface{}{"title": title, "done": done}
	var task Task
	if err := s.doJSON(ctx, http.MethodPut, fmt.Sprintf("/api/tasks/%d", id), payload, http.StatusOK, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask 删除任务。
func (s *Session) DeleteTask(ctx context.Context, id uint) error {
	return s.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", id), nil, http.StatusOK, nil)
}

// doJSON 发送一个请求并解析 JSON 响应。
//
// 收到 401 时的处理是一个显式的两步状态机：先调用一次刷新接口，
// 成功则用新 token 重发原请求（仅一次，retried 标志显式传递），
// 失败则清空会话并返回 ErrAuthenticationRequired。
func (s *Session) doJSON(ctx context.Context, method, path string, payload interface{}, wantStatus int, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	resp, err := s.send(ctx, method, path, body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && !isAuthPath(path) {
		drain(resp)

		if refreshErr := s.refresh(ctx); refreshErr != nil {
			s.clearSession()
			return ErrAuthenticationRequired
		}

		// 仅重试一次，避免刷新与原请求互相触发造成循环
		resp, err = s.send(ctx, method, path, body)
		if err != nil {
			return err
		}
	}
	defer drain(resp)

	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// send 构建并发送单个 HTTP 请求，附加 bearer token 与 JSON 头。
func (s *Session) send(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := s.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

// refresh 调用刷新接口并保存新的 access token。
func (s *Session) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/auth/refresh", nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("send refresh request: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}

	s.mu.Lock()
	s.token = body.Token
	s.mu.Unlock()
	return nil
}

func (s *Session) storeSession(token string, user User) {
	s.mu.Lock()
	s.token = token
	s.user = &user
	s.mu.Unlock()
}

func (s *Session) clearSession() {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()
}

// isAuthPath 判断路径是否属于认证接口，认证接口的 401 不触发刷新。
func isAuthPath(path string) bool {
	return strings.HasPrefix(path, "/api/auth/")
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
