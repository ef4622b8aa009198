package streaming

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twitchtv/twirp"
)

// PublishPermissionSetter toggles whether a participant may publish in a room.
type PublishPermissionSetter interface {
	SetPublishPermission(ctx context.Context, room, identity string, allowed bool) error
}

// LiveKitDelegator maps grants and revokes onto LiveKit publish permissions.
// The realm is used as the room name.
type LiveKitDelegator struct {
	rooms PublishPermissionSetter
}

// NewLiveKitDelegator creates a LiveKitDelegator.
func NewLiveKitDelegator(rooms PublishPermissionSetter) *LiveKitDelegator {
	return &LiveKitDelegator{rooms: rooms}
}

// Delegate grants or revokes publish permission for identity in room realm.
func (d *LiveKitDelegator) Delegate(ctx context.Context, action Action, realm, identity string) error {
	err := d.rooms.SetPublishPermission(ctx, realm, strings.ToLower(identity), action == ActionGrant)
	if err == nil {
		return nil
	}

	var twerr twirp.Error
	if errors.As(err, &twerr) {
		switch twerr.Code() {
		case twirp.NotFound, twirp.InvalidArgument, twirp.PermissionDenied, twirp.Unauthenticated:
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
	}
	return err
}
