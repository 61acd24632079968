// Package auth is the JWT-backed authentication service for the admin API
// surface that sets block_cmd_pending and ip_change_pending on device rows.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Service issues and validates JWTs for admin users.
type Service struct {
	mu        sync.RWMutex
	jwtSecret []byte
	tokenTTL  time.Duration
	users     map[string]*User
}

// Config configures the auth service.
type Config struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// User is an admin operator allowed to issue block/unblock/migration intents.
type User struct {
	Username     string
	PasswordHash string
	Enabled      bool
}

// Claims are the JWT claims this service issues.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserDisabled       = errors.New("auth: user disabled")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

// NewService creates an auth service with no registered users.
func NewService(cfg Config) *Service {
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &Service{
		jwtSecret: []byte(cfg.JWTSecret),
		tokenTTL:  ttl,
		users:     make(map[string]*User),
	}
}

// RegisterUser adds or replaces an admin user.
func (s *Service) RegisterUser(username, passwordHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &User{Username: username, PasswordHash: passwordHash, Enabled: true}
}

// Authenticate verifies credentials and issues a signed JWT.
func (s *Service) Authenticate(username, password string) (string, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return "", ErrInvalidCredentials
	}
	if !user.Enabled {
		return "", ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a bearer token and returns the claims it carries.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword bcrypt-hashes a password for RegisterUser/seed data.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
