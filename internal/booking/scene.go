package booking

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordinates is a parcel position.
type Coordinates struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SceneDescriptor is the parsed form of a location scene string
// "x,y:realm:network:catalyst". The coordinates part may be empty.
type SceneDescriptor struct {
	Coordinates *Coordinates
	Realm       string
	Network     string
	Catalyst    string
}

// ParseScene parses a scene descriptor.
func ParseScene(s string) (SceneDescriptor, error) {
	var d SceneDescriptor
	if s == "" {
		return d, fmt.Errorf("%w: empty", ErrInvalidScene)
	}

	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return d, fmt.Errorf("%w: expected 4 parts, got %d", ErrInvalidScene, len(parts))
	}
	if coords := parts[0]; coords != "" {
		xy := strings.Split(coords, ",")
		if len(xy) != 2 {
			return d, fmt.Errorf("%w: coordinates %q", ErrInvalidScene, coords)
		}
		x, err := strconv.Atoi(strings.TrimSpace(xy[0]))
		if err != nil {
			return d, fmt.Errorf("%w: x %q", ErrInvalidScene, xy[0])
		}
		y, err := strconv.Atoi(strings.TrimSpace(xy[1]))
		if err != nil {
			return d, fmt.Errorf("%w: y %q", ErrInvalidScene, xy[1])
		}
		d.Coordinates = &Coordinates{X: x, Y: y}
	}
	d.Realm = parts[1]
	d.Network = parts[2]
	d.Catalyst = parts[3]
	return d, nil
}
