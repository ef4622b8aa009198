// Package livekit adapts the LiveKit server SDK for streaming permissions.
package livekit

import (
	"context"
	"errors"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

// ErrRoomServiceNotConfigured is returned when room service operations are attempted without proper configuration.
var ErrRoomServiceNotConfigured = errors.New("livekit room service not configured")

// participantUpdater is the subset of *lksdk.RoomServiceClient used here.
type participantUpdater interface {
	UpdateParticipant(ctx context.Context, req *livekit.UpdateParticipantRequest) (*livekit.ParticipantInfo, error)
}

// RoomService changes participant permissions in LiveKit rooms.
type RoomService struct {
	client participantUpdater
}

// NewRoomService creates a RoomService. Returns nil if any setting is empty.
func NewRoomService(url, apiKey, apiSecret string) *RoomService {
	if url == "" || apiKey == "" || apiSecret == "" {
		return nil
	}
	return &RoomService{client: lksdk.NewRoomServiceClient(url, apiKey, apiSecret)}
}

// SetPublishPermission allows or forbids identity to publish tracks and data
// in room. Subscribing is always allowed.
func (s *RoomService) SetPublishPermission(ctx context.Context, room, identity string, allowed bool) error {
	if s == nil || s.client == nil {
		return ErrRoomServiceNotConfigured
	}

	_, err := s.client.UpdateParticipant(ctx, &livekit.UpdateParticipantRequest{
		Room:     room,
		Identity: identity,
		Permission: &livekit.ParticipantPermission{
			CanSubscribe:   true,
			CanPublish:     allowed,
			CanPublishData: allowed,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update participant permission: %w", err)
	}
	return nil
}
