// Package adminauth issues and verifies credentials for the gateway's admin
// control surface (resize concurrency, force-close a throttle, read a
// snapshot) — a much narrower surface than end-user auth, so it keeps only
// login + API key issuance/verification and drops registration entirely.
package adminauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrOperatorNotFound = errors.New("operator not found")
	ErrInvalidPassword  = errors.New("invalid password")
	ErrInvalidToken     = errors.New("invalid token")
)

// Service issues short-lived admin JWTs and longer-lived API keys for
// operators of the throttle control surface.
type Service struct {
	db        *sql.DB
	jwtSecret string
}

// Operator is an admin account, distinct from any end user the gateway
// proxies quote requests for.
type Operator struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey grants scoped access to the control surface without a login flow.
type APIKey struct {
	ID          string    `json:"id"`
	OperatorID  string    `json:"operator_id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// Claims is the admin JWT payload.
type Claims struct {
	OperatorID string   `json:"operator_id"`
	Email      string   `json:"email"`
	Perms      []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

// NewService builds a Service backed by db for operator/API-key lookups.
func NewService(db *sql.DB, jwtSecret string) *Service {
	return &Service{db: db, jwtSecret: jwtSecret}
}

// Login verifies email/password against the operators table and returns a
// signed admin JWT valid for one hour — short-lived, since it only grants
// control-surface access.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	var operatorID, storedHash string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, password_hash FROM operators WHERE email = $1",
		email,
	).Scan(&operatorID, &storedHash)

	if err == sql.ErrNoRows {
		return "", ErrOperatorNotFound
	}
	if err != nil {
		return "", err
	}

	if subtle.ConstantTimeCompare([]byte(hashPassword(password)), []byte(storedHash)) != 1 {
		return "", ErrInvalidPassword
	}

	claims := &Claims{
		OperatorID: operatorID,
		Email:      email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.jwtSecret))
}

// CreateAPIKey mints a new API key for operatorID with the given
// permissions (e.g. "throttle:read", "throttle:write").
func (s *Service) CreateAPIKey(ctx context.Context, operatorID, name string, permissions []string) (*APIKey, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return nil, fmt.Errorf("adminauth: generate key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)

	apiKeyID := uuid.New().String()
	now := time.Now()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO admin_api_keys (id, operator_id, key_hash, name, permissions, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		apiKeyID, operatorID, hashPassword(key), name, strings.Join(permissions, ","), now,
	)
	if err != nil {
		return nil, err
	}

	return &APIKey{
		ID:          apiKeyID,
		OperatorID:  operatorID,
		Key:         key, // plaintext returned only at creation time
		Name:        name,
		Permissions: permissions,
		CreatedAt:   now,
	}, nil
}

// VerifyToken parses and validates a Bearer-prefixed admin JWT.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
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

// VerifyAPIKey looks up an API key by its hash and returns its record.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (*APIKey, error) {
	keyHash := hashPassword(key)

	var apiKey APIKey
	var permsStr string

	err := s.db.QueryRowContext(ctx,
		"SELECT id, operator_id, name, permissions, created_at FROM admin_api_keys WHERE key_hash = $1",
		keyHash,
	).Scan(&apiKey.ID, &apiKey.OperatorID, &apiKey.Name, &permsStr, &apiKey.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	if permsStr != "" {
		apiKey.Permissions = strings.Split(permsStr, ",")
	}
	return &apiKey, nil
}

// HasPermission reports whether perms contains want.
func HasPermission(perms []string, want string) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

func hashPassword(password string) string {
	hash := sha256.Sum256([]byte(password))
	return hex.EncodeToString(hash[:])
}
