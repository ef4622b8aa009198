package livekit

import (
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// Token expiry bounds.
const (
	MinTokenExpiry = 1 * time.Minute
	MaxTokenExpiry = 24 * time.Hour
)

var (
	// ErrInvalidExpiry is returned when token expiry is outside valid bounds.
	ErrInvalidExpiry = errors.New("token expiry must be between 1 minute and 24 hours")

	// ErrMissingAPIKey is returned when API key is empty.
	ErrMissingAPIKey = errors.New("livekit API key is required")

	// ErrMissingAPISecret is returned when API secret is empty.
	ErrMissingAPISecret = errors.New("livekit API secret is required")

	// ErrMissingRoomName is returned when room name is empty.
	ErrMissingRoomName = errors.New("room name is required")

	// ErrMissingIdentity is returned when identity is empty.
	ErrMissingIdentity = errors.New("participant identity is required")
)

// TokenService issues LiveKit access tokens for booking streamers.
type TokenService struct {
	apiKey    string
	apiSecret string
	now       func() time.Time
}

// NewTokenService creates a new TokenService with the given API credentials.
func NewTokenService(apiKey, apiSecret string) (*TokenService, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if apiSecret == "" {
		return nil, ErrMissingAPISecret
	}
	return &TokenService{apiKey: apiKey, apiSecret: apiSecret, now: time.Now}, nil
}

// TokenResponse is a signed token and its expiry.
type TokenResponse struct {
	Token     string    `json:"token"`
	Room      string    `json:"room"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PublisherToken issues a token that lets identity join room and publish
// until validFor elapses. Callers size validFor to the remaining booking window.
func (s *TokenService) PublisherToken(room, identity string, validFor time.Duration) (*TokenResponse, error) {
	if room == "" {
		return nil, ErrMissingRoomName
	}
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	if validFor < MinTokenExpiry || validFor > MaxTokenExpiry {
		return nil, ErrInvalidExpiry
	}

	canPublish := true
	at := auth.NewAccessToken(s.apiKey, s.apiSecret)
	at.SetIdentity(identity)
	at.AddGrant(&auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		CanPublish:     &canPublish,
		CanPublishData: &canPublish,
	})
	at.SetValidFor(validFor)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &TokenResponse{
		Token:     token,
		Room:      room,
		ExpiresAt: s.now().Add(validFor).UTC(),
	}, nil
}
