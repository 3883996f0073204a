// Package auth protects the control API with a shared client secret exchanged
// for short-lived bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMisconfigured      = errors.New("auth enabled without secret_hash and jwt_secret")
)

const (
	issuer          = "urai-sidecar"
	defaultTokenTTL = time.Hour
)

// Config configures token issuance. SecretHash is a bcrypt hash of the client
// secret; JWTSecret signs the issued tokens.
type Config struct {
	SecretHash string
	JWTSecret  string
	TokenTTL   time.Duration
}

// Claims carried by issued tokens.
type Claims struct {
	Client string `json:"client"`
	jwt.RegisteredClaims
}

// Token is a signed bearer token.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	secretHash []byte
	jwtSecret  []byte
	tokenTTL   time.Duration
	now        func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.SecretHash == "" || cfg.JWTSecret == "" {
		return nil, ErrMisconfigured
	}
	if _, err := bcrypt.Cost([]byte(cfg.SecretHash)); err != nil {
		return nil, fmt.Errorf("secret_hash is not a bcrypt hash: %w", err)
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Service{
		secretHash: []byte(cfg.SecretHash),
		jwtSecret:  []byte(cfg.JWTSecret),
		tokenTTL:   ttl,
		now:        time.Now,
	}, nil
}

// HashSecret returns the bcrypt hash to put in the configuration.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty secret")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Login exchanges the client secret for a token.
func (s *Service) Login(client, secret string) (*Token, error) {
	if err := bcrypt.CompareHashAndPassword(s.secretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidCredentials
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Client: client,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   client,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify validates a token issued by Login.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidCredentials
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
