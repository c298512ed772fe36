package movement

import (
	"fmt"
	"strings"
)

// Direction is a single directional input.
type Direction uint8

const (
	None Direction = iota
	Up
	Down
	Left
	Right
	// InvalidTest requests a 3-unit step. It exists only to exercise the
	// constraint-violation path end to end.
	InvalidTest
)

var directionNames = [...]string{
	None:        "none",
	Up:          "up",
	Down:        "down",
	Left:        "left",
	Right:       "right",
	InvalidTest: "test",
}

// String returns the key name of the direction.
func (d Direction) String() string {
	if int(d) < len(directionNames) {
		return directionNames[d]
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d <= InvalidTest
}

// ParseKey maps a named key from the UI channel to a Direction. Matching is
// case-insensitive; unrecognized keys map to None.
func ParseKey(key string) Direction {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "up", "arrowup", "w":
		return Up
	case "down", "arrowdown", "s":
		return Down
	case "left", "arrowleft", "a":
		return Left
	case "right", "arrowright", "d":
		return Right
	case "test":
		return InvalidTest
	}
	return None
}

// Delta is a raw, not-yet-validated displacement.
type Delta struct {
	X float64
	Y float64
}

// IsZero reports whether the delta moves nowhere.
func (d Delta) IsZero() bool { return d.X == 0 && d.Y == 0 }

// Delta returns the raw displacement requested by d. Y grows upward.
func (d Direction) Delta() Delta {
	switch d {
	case Up:
		return Delta{Y: 1}
	case Down:
		return Delta{Y: -1}
	case Left:
		return Delta{X: -1}
	case Right:
		return Delta{X: 1}
	case InvalidTest:
		return Delta{X: 3}
	}
	return Delta{}
}
