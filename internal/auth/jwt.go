// Package auth issues and validates the HS256 tokens that carry a caller's
// wallet address and role.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type constants for the typ claim.
const (
	TokenTypeAccess = "access"
	TokenTypeWS     = "ws"
)

// Token expiration durations.
const (
	AccessTokenExpiry = 24 * time.Hour
	WSTokenExpiry     = 180 * time.Second
)

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrWrongTokenType is returned when a token of another type is presented.
var ErrWrongTokenType = errors.New("wrong token type")

// ErrEmptyAddress is returned when address is empty.
var ErrEmptyAddress = errors.New("address cannot be empty")

// Claims represents custom JWT claims for the application.
type Claims struct {
	jwt.RegisteredClaims
	Address string `json:"address"`
	Role    string `json:"role,omitempty"`
	Type    string `json:"typ"` // "access" or "ws"
}

// JWTService handles JWT token operations.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type JWTService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	now            func() time.Time
}

// NewJWTService creates a new JWTService with the given secret.
func NewJWTService(secret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(secret, "", DefaultLeeway)
}

// NewJWTServiceWithLeeway creates a new JWTService with custom leeway.
func NewJWTServiceWithLeeway(secret string, leeway time.Duration) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(secret, "", leeway)
}

// NewJWTServiceWithRotation creates a new JWTService with dual-key support for zero-downtime rotation.
// Set previousSecret to empty string if no rotation is in progress.
func NewJWTServiceWithRotation(currentSecret, previousSecret string) *JWTService {
	return NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret, DefaultLeeway)
}

// NewJWTServiceWithRotationAndLeeway creates a new JWTService with dual-key support and custom leeway.
func NewJWTServiceWithRotationAndLeeway(currentSecret, previousSecret string, leeway time.Duration) *JWTService {
	svc := &JWTService{
		currentSecret: []byte(currentSecret),
		leeway:        leeway,
		now:           time.Now,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// GenerateAccessToken creates an access token for address with the given role.
func (s *JWTService) GenerateAccessToken(address, role string) (string, error) {
	return s.generate(address, role, TokenTypeAccess, AccessTokenExpiry)
}

// GenerateWSToken creates a short-lived token for opening a signed websocket.
func (s *JWTService) GenerateWSToken(address string) (string, time.Time, error) {
	tok, err := s.generate(address, "", TokenTypeWS, WSTokenExpiry)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, s.now().Add(WSTokenExpiry), nil
}

func (s *JWTService) generate(address, role, typ string, ttl time.Duration) (string, error) {
	if address == "" {
		return "", ErrEmptyAddress
	}
	address = strings.ToLower(address)

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Address: address,
		Role:    role,
		Type:    typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.currentSecret)
}

// ValidateTokenOfType validates a token and checks its typ claim.
func (s *JWTService) ValidateTokenOfType(tokenString, typ string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Type != typ {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// ValidateToken parses and validates a JWT token, returning the claims if valid.
// Tries currentSecret first, then previousSecret if available.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}

	if s.previousSecret != nil {
		claims, err = s.parse(tokenString, s.previousSecret)
		if err == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *JWTService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Address == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
