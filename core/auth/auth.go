package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of issued session tokens.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("jwt secret is not configured")
)

// Identity is the current user as far as layer ownership is concerned.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Anonymous is used when no session has been established.
var Anonymous = Identity{UserID: "local", Name: "Local"}

// Claims 令牌声明
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService creates a token service. A zero ttl selects DefaultTokenTTL.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for id.
func (s *TokenService) Issue(id Identity) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	if strings.TrimSpace(id.UserID) == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	now := s.now()
	claims := Claims{
		UserID: id.UserID,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates tokenString and returns the identity it carries.
func (s *TokenService) Parse(tokenString string) (Identity, error) {
	if len(s.secret) == 0 {
		return Identity{}, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Name: claims.Name}, nil
}

// BearerToken extracts the token of an "Authorization: Bearer ..." header.
func BearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// SessionHandler runs when a session is established.
type SessionHandler func(ctx context.Context, id Identity) error

// Sessions tracks the current identity and tells interested components when
// a user signs in. Handlers are called by Establish itself, in registration
// order.
type Sessions struct {
	tokens *TokenService

	mu       sync.RWMutex
	current  Identity
	signedIn bool
	handlers []SessionHandler
}

// NewSessions creates a session tracker backed by tokens.
func NewSessions(tokens *TokenService) *Sessions {
	return &Sessions{tokens: tokens}
}

// OnEstablished registers h for future sessions.
func (s *Sessions) OnEstablished(h SessionHandler) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// Establish validates token, makes its identity current and runs the
// handlers. Handler errors are joined and returned; the session stays
// established.
func (s *Sessions) Establish(ctx context.Context, token string) (Identity, error) {
	id, err := s.tokens.Parse(token)
	if err != nil {
		return Identity{}, err
	}
	return id, s.Set(ctx, id)
}

// Set makes id current without a token, e.g. for the CLI.
func (s *Sessions) Set(ctx context.Context, id Identity) error {
	s.mu.Lock()
	s.current = id
	s.signedIn = true
	handlers := make([]SessionHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Current returns the signed-in identity, or Anonymous and false.
func (s *Sessions) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.signedIn {
		return Anonymous, false
	}
	return s.current, true
}
