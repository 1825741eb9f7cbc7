package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	s := NewTokenService("secret", time.Hour)
	token, err := s.Issue(Identity{UserID: "u1", Name: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := s.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.UserID != "u1" || id.Name != "Ada" {
		t.Errorf("identity = %+v", id)
	}
}

func TestParseRejects(t *testing.T) {
	s := NewTokenService("secret", time.Hour)
	other := NewTokenService("other", time.Hour)
	token, _ := other.Issue(Identity{UserID: "u1"})

	if _, err := s.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: %v", err)
	}
	if _, err := s.Parse("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: %v", err)
	}

	expired := NewTokenService("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, _ := expired.Issue(Identity{UserID: "u1"})
	if _, err := s.Parse(old); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: %v", err)
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	if _, err := NewTokenService("", 0).Issue(Identity{UserID: "u"}); !errors.Is(err, ErrNoSecret) {
		t.Errorf("err = %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, got, ok)
		}
	}
}

func TestSessionsEstablishRunsHandlersInOrder(t *testing.T) {
	tokens := NewTokenService("secret", time.Hour)
	s := NewSessions(tokens)

	if id, ok := s.Current(); ok || id != Anonymous {
		t.Fatalf("Current before sign in = %+v, %v", id, ok)
	}

	var order []string
	s.OnEstablished(func(ctx context.Context, id Identity) error {
		order = append(order, "first:"+id.UserID)
		return nil
	})
	s.OnEstablished(func(ctx context.Context, id Identity) error {
		order = append(order, "second:"+id.UserID)
		return errors.New("load failed")
	})

	token, _ := tokens.Issue(Identity{UserID: "u9", Name: "Bo"})
	id, err := s.Establish(context.Background(), token)
	if err == nil {
		t.Error("handler error should be returned")
	}
	if id.UserID != "u9" {
		t.Errorf("identity = %+v", id)
	}
	if len(order) != 2 || order[0] != "first:u9" || order[1] != "second:u9" {
		t.Errorf("handler order = %v", order)
	}
	if cur, ok := s.Current(); !ok || cur.UserID != "u9" {
		t.Errorf("Current = %+v, %v", cur, ok)
	}

	if _, err := s.Establish(context.Background(), "bad"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("bad token: %v", err)
	}
}
