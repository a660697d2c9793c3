package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Finder is what the service needs from the user store.
type Finder interface {
	FindBySubject(ctx context.Context, subject string) (*User, error)
}

type Service struct {
	repo      Finder
	jwtSecret []byte
}

type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func NewService(repo Finder, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
	}
}

// IssueToken signs a token for u. The HTTP application issues the real ones
// after OAuth; this is used by tooling and tests.
func (s *Service) IssueToken(u *User, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: u.Email,
		Name:  u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.GoogleID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

// ValidateToken checks signature and expiry and returns the token subject.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	return claims.Subject, nil
}

// Authenticate resolves a bearer token to a persisted user.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*User, error) {
	subject, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	u, err := s.repo.FindBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	return u, nil
}
