package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingToken = errors.New("token is required")

// Claims binds a realtime handshake to the identity issued by the web app session.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Image  string `json:"image,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	return Identity{ID: c.UserID, Email: c.Email, Name: c.Name, Image: c.Image}.Normalize()
}

type Service struct {
	secret []byte
	ttl    time.Duration
}

func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl}
}

func (s *Service) GenerateToken(identity Identity) (string, error) {
	identity = identity.Normalize()
	if !identity.Valid() {
		return "", ErrNoIdentity
	}
	now := time.Now()
	claims := Claims{
		UserID: identity.ID,
		Email:  identity.Email,
		Name:   identity.Name,
		Image:  identity.Image,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserKey(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(s.secret)
}

func (s *Service) ParseToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if strings.TrimSpace(claims.Email) == "" {
		return nil, fmt.Errorf("invalid token: %w", ErrNoIdentity)
	}
	return claims, nil
}

// ParseIdentity returns the normalized identity carried by a handshake token.
func (s *Service) ParseIdentity(token string) (Identity, error) {
	claims, err := s.ParseToken(token)
	if err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}
