package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"codecanvas/internal/models"
)

// Service validates bearer tokens and resolves the current user.
// Credential storage and login flows live with the identity provider;
// this service only verifies the tokens it issues.
type Service struct {
	secret []byte
}

// NewService constructs an auth service around the shared HMAC secret.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret required")
	}
	return &Service{secret: []byte(secret)}, nil
}

type userClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Sign mints a token for the given user, valid for ttl.
func (s *Service) Sign(user models.CollabUser, ttl time.Duration) (string, error) {
	if user.ID == "" {
		return "", errors.New("user id required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now().UTC()
	claims := userClaims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the token signature and expiry, returning the user.
func (s *Service) ValidateToken(tokenString string) (models.CollabUser, error) {
	if tokenString == "" {
		return models.CollabUser{}, errors.New("token required")
	}
	var claims userClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return models.CollabUser{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return models.CollabUser{}, errors.New("invalid token")
	}
	return models.CollabUser{ID: claims.Subject, Email: claims.Email}, nil
}
