package auth

import (
	"errors"
	"testing"
	"time"
)

func TestValidStaticToken(t *testing.T) {
	svc := NewService([]string{"alpha", "beta"}, nil, time.Hour)

	tests := []struct {
		name   string
		token  string
		expect bool
	}{
		{name: "first token", token: "alpha", expect: true},
		{name: "second token", token: "beta", expect: true},
		{name: "unknown token", token: "gamma", expect: false},
		{name: "prefix only", token: "alph", expect: false},
		{name: "empty", token: "", expect: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.ValidStaticToken(tt.token); got != tt.expect {
				t.Errorf("ValidStaticToken(%q) = %v, want %v", tt.token, got, tt.expect)
			}
		})
	}
}

func TestMintAndVerify(t *testing.T) {
	svc := NewService(nil, []string{"secret-1"}, time.Hour)

	token, err := svc.Mint("n1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.NodeID != "n1" {
		t.Errorf("NodeID = %q, want n1", claims.NodeID)
	}
	if !claims.ExpiresAt.After(time.Now()) {
		t.Error("ExpiresAt should be in the future")
	}
}

func TestVerifyWithRotatedSecret(t *testing.T) {
	old := NewService(nil, []string{"old-secret"}, time.Hour)
	token, err := old.Mint("n1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// New primary secret, old one still accepted.
	rotated := NewService(nil, []string{"new-secret", "old-secret"}, time.Hour)
	claims, err := rotated.Verify(token)
	if err != nil {
		t.Fatalf("Verify after rotation: %v", err)
	}
	if claims.NodeID != "n1" {
		t.Errorf("NodeID = %q, want n1", claims.NodeID)
	}

	// Dropping the old secret invalidates the token.
	dropped := NewService(nil, []string{"new-secret"}, time.Hour)
	if _, err := dropped.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc := NewService(nil, []string{"secret-1"}, -time.Minute)
	token, err := svc.Mint("n1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	svc := NewService(nil, []string{"secret-1"}, time.Hour)
	if _, err := svc.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNoSecretsConfigured(t *testing.T) {
	svc := NewService(nil, nil, time.Hour)
	if _, err := svc.Mint("n1"); !errors.Is(err, ErrNoSecrets) {
		t.Errorf("Mint: expected ErrNoSecrets, got %v", err)
	}
	if _, err := svc.Verify("anything"); !errors.Is(err, ErrNoSecrets) {
		t.Errorf("Verify: expected ErrNoSecrets, got %v", err)
	}
}
