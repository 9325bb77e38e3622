package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/rentease/converse/internal/logger"
	"github.com/rentease/converse/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	log             = logger.New("auth")
)

// DefaultTokenTTL matches the session length issued by the marketplace
const DefaultTokenTTL = 24 * time.Hour

// Claims are the marketplace session claims. Only the subject id and
// display name matter to the chat service.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts validated claims into the caller identity
func (c *Claims) Principal() (models.Principal, error) {
	if c == nil {
		return models.Principal{}, errors.New("claims cannot be nil")
	}
	id := strings.TrimSpace(c.UserID)
	if id == "" {
		return models.Principal{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return models.Principal{UserID: id, DisplayName: c.Name}, nil
}

// TokenService validates HS256 session tokens issued by the auth collaborator.
type TokenService struct {
	key []byte
	ttl time.Duration
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{key: []byte(secret), ttl: ttl}
}

// Generate signs a token for p. The chat service never issues sessions
// itself; this serves tests and local tooling.
func (s *TokenService) Generate(p models.Principal) (string, time.Time, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return "", time.Time{}, errors.New("user ID cannot be empty")
	}

	now := time.Now()
	expirationTime := now.Add(s.ttl)

	claims := &Claims{
		UserID: p.UserID,
		Name:   p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expirationTime, nil
}

// Validate parses tokenString and returns its claims
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	if tokenString == "" {
		log.Warn("Validating empty token")
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			log.Error("Unexpected signing method: %v", token.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		log.Debug("Token validation error: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		log.Warn("Token is invalid")
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	log.Debug("Token validated for user %s", claims.UserID)
	return claims, nil
}

// Gin context keys set by the auth middleware
const (
	ContextUserID      = "userID"
	ContextDisplayName = "displayName"
)
