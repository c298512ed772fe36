// Package movement holds the deterministic movement rules: directional
// inputs, grid positions and the replay that turns a batch of inputs into a
// position trail. The same replay runs inside the proving backend and in
// tests, so everything here is pure and allocation-light.
package movement

import (
	"encoding/json"
	"fmt"
	"math"
)

// Position is a point on the grid. Coordinates are float64 so a raw,
// not-yet-validated delta (such as the 3-unit test step) can be represented.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Origin is the position every node starts from.
var Origin = Position{}

// Add returns p translated by d.
func (p Position) Add(d Delta) Position {
	return Position{X: p.X + d.X, Y: p.Y + d.Y}
}

// String implements fmt.Stringer.
func (p Position) String() string {
	return fmt.Sprintf("(%g,%g)", p.X, p.Y)
}

// IsUnitStep reports whether q is reachable from p with one normalized step:
// exactly one unit along exactly one axis, or no movement at all.
func (p Position) IsUnitStep(q Position) bool {
	dx, dy := math.Abs(q.X-p.X), math.Abs(q.Y-p.Y)
	return (dx == 0 && dy == 0) || (dx == 1 && dy == 0) || (dx == 0 && dy == 1)
}

// Pair is the wire form of a trail point: a two-element coordinate array.
type Pair [2]float64

// Pair converts p to its coordinate-pair form.
func (p Position) Pair() Pair { return Pair{p.X, p.Y} }

// Trail is an ordered sequence of positions. It marshals to JSON as a list
// of coordinate pairs.
type Trail []Position

// MarshalJSON encodes the trail as [[x,y],...]. A nil trail encodes as [].
func (t Trail) MarshalJSON() ([]byte, error) {
	pairs := make([]Pair, len(t))
	for i, p := range t {
		pairs[i] = p.Pair()
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON decodes a list of coordinate pairs.
func (t *Trail) UnmarshalJSON(data []byte) error {
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	out := make(Trail, len(pairs))
	for i, pr := range pairs {
		out[i] = Position{X: pr[0], Y: pr[1]}
	}
	*t = out
	return nil
}

// Clone returns an independent copy of the trail.
func (t Trail) Clone() Trail {
	if t == nil {
		return nil
	}
	out := make(Trail, len(t))
	copy(out, t)
	return out
}

// Equal reports whether two trails hold the same positions in order.
func (t Trail) Equal(o Trail) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Contiguous reports whether every adjacent pair differs by a unit step.
func (t Trail) Contiguous() bool {
	for i := 1; i < len(t); i++ {
		if !t[i-1].IsUnitStep(t[i]) {
			return false
		}
	}
	return true
}
