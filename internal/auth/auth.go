// Package auth issues and verifies the credentials node agents present:
// static tokens from configuration and short-lived HS256 session tokens
// bound to a node id.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken means the token failed signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired means the token was valid once but is past its exp.
	ErrTokenExpired = errors.New("token expired")
	// ErrNoSecrets means session tokens are disabled by configuration.
	ErrNoSecrets = errors.New("no session token secrets configured")
)

// SessionClaims is what a verified session token binds.
type SessionClaims struct {
	NodeID    string
	ExpiresAt time.Time
}

// Service validates static node tokens and mints/verifies session tokens.
type Service struct {
	staticTokens []string
	secrets      [][]byte
	ttl          time.Duration
}

// NewService builds a Service. secrets[0] signs new tokens; the rest are
// accepted during verification so secrets can rotate without a flag day.
func NewService(staticTokens []string, secrets []string, ttl time.Duration) *Service {
	s := &Service{
		staticTokens: staticTokens,
		ttl:          ttl,
	}
	for _, sec := range secrets {
		if sec != "" {
			s.secrets = append(s.secrets, []byte(sec))
		}
	}
	return s
}

// ValidStaticToken reports whether token matches any configured node token.
// Comparison is constant-time per candidate.
func (s *Service) ValidStaticToken(token string) bool {
	if token == "" {
		return false
	}
	ok := false
	for _, t := range s.staticTokens {
		if len(t) == len(token) && subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}

// Mint signs a session token for nodeID with the configured TTL.
func (s *Service) Mint(nodeID string) (string, error) {
	if len(s.secrets) == 0 {
		return "", ErrNoSecrets
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	signed, err := token.SignedString(s.secrets[0])
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a session token against every configured secret and
// returns its claims on success.
func (s *Service) Verify(tokenString string) (*SessionClaims, error) {
	if len(s.secrets) == 0 {
		return nil, ErrNoSecrets
	}

	var lastErr error
	for _, secret := range s.secrets {
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return nil, ErrTokenExpired
			}
			lastErr = err
			continue
		}
		if !token.Valid || claims.Subject == "" || claims.ExpiresAt == nil {
			lastErr = errors.New("missing claims")
			continue
		}
		return &SessionClaims{
			NodeID:    claims.Subject,
			ExpiresAt: claims.ExpiresAt.Time,
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, lastErr)
	}
	return nil, ErrInvalidToken
}
