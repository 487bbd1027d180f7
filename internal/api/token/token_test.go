package token

import (
	"testing"
	"time"

	"github.com/dgiagkoudi/task-manager-auth/internal/model"
)

func testUser() *model.User {
	return &model.User{ID: 42, Username: "alice", Email: "a@x.com"}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	m := NewManager("secret", time.Hour, 7*24*time.Hour)

	signed, err := m.IssueAccessToken(testUser())
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	claims, err := m.VerifyAccess(signed)
	if err != nil {
		t.Fatalf("verify access token: %v", err)
	}
	if claims.Subject != "42" {
		t.Fatalf("expected subject 42, got %q", claims.Subject)
	}
	if claims.Username != "alice" || claims.Email != "a@x.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	m := NewManager("secret", time.Hour, 7*24*time.Hour)

	signed, err := m.IssueRefreshToken(testUser())
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}

	uid, err := m.VerifyRefresh(signed)
	if err != nil {
		t.Fatalf("verify refresh token: %v", err)
	}
	if uid != 42 {
		t.Fatalf("expected user id 42, got %d", uid)
	}
}

func TestRefreshTokensNeverRepeat(t *testing.T) {
	m := NewManager("secret", time.Hour, 7*24*time.Hour)

	// 同一秒内连续签发也必须得到不同的 token，否则轮换无效
	first, err := m.IssueRefreshToken(testUser())
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	second, err := m.IssueRefreshToken(testUser())
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}
	if first == second {
		t.Fatalf("consecutive refresh tokens must differ")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m := NewManager("secret", time.Hour, 7*24*time.Hour)
	other := NewManager("other-secret", time.Hour, 7*24*time.Hour)

	signed, err := m.IssueAccessToken(testUser())
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}

	if _, err := other.VerifyAccess(signed); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("secret", time.Nanosecond, time.Nanosecond)

	signed, err := m.IssueAccessToken(testUser())
	if err != nil {
		t.Fatalf("issue access token: %v", err)
	}
	refresh, err := m.IssueRefreshToken(testUser())
	if err != nil {
		t.Fatalf("issue refresh token: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := m.VerifyAccess(signed); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
	if _, err := m.VerifyRefresh(refresh); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired refresh, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewManager("secret", time.Hour, 7*24*time.Hour)

	if _, err := m.VerifyAccess("not-a-token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := m.VerifyRefresh(""); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
