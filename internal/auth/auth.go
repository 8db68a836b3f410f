package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service issues and validates subscriber tokens for the notification
// endpoint. The hub itself is credential-agnostic; admission enforcement
// happens at the boundary before Subscribe is called. With no secret
// configured the service is disabled and admission accepts everyone.
type Service struct {
	secret []byte
}

// NewService creates a token service. An empty secret disables credentialing.
func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Enabled reports whether subscriber credentialing is configured.
func (s *Service) Enabled() bool {
	return len(s.secret) > 0
}

// IssueToken mints a subscriber token for the given subject, valid for ttl.
func (s *Service) IssueToken(subject string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken checks a subscriber token and returns its subject.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	subject, _ := claims["sub"].(string)
	return subject, nil
}
