package jwt

import (
	"errors"
	"testing"
	"time"
)

func TestResumeTokenRoundTrip(t *testing.T) {
	m, err := NewManager(time.Minute, "relay")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, err := m.IssueResumeToken("conn-1", "scope-a")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.ValidateResumeToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ConnectionID != "conn-1" || claims.Scope != "scope-a" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestResumeTokenRejectsForeignAndExpired(t *testing.T) {
	m, err := NewManager(time.Minute, "relay")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	other, err := NewManager(time.Minute, "relay")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	token, _ := other.IssueResumeToken("conn-1", "scope-a")
	if _, err := m.ValidateResumeToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a foreign key, got %v", err)
	}

	expired, err := NewManager(-time.Minute, "relay")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, _ = expired.IssueResumeToken("conn-1", "scope-a")
	if _, err := expired.ValidateResumeToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}

	if _, err := m.ValidateResumeToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}
