package movement

import (
	"errors"
	"fmt"
	"math"
)

// StepTolerance is the largest raw per-axis magnitude a single input may
// request. Anything above it violates the one-unit-per-step rule that the
// attestation exists to prove.
const StepTolerance = 1.1

// ErrConstraintViolation is returned when an input requests a step larger
// than StepTolerance on either axis.
var ErrConstraintViolation = errors.New("movement: constraint violation")

// ViolationError describes the offending input of a rejected batch.
type ViolationError struct {
	Index int       // position of the input within the batch
	Input Direction // the input itself
	Delta Delta     // the raw delta it requested
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("movement: constraint violation at input %d (%s): step (%g,%g) exceeds one unit",
		e.Index, e.Input, e.Delta.X, e.Delta.Y)
}

// Is lets errors.Is match ErrConstraintViolation.
func (e *ViolationError) Is(target error) bool {
	return target == ErrConstraintViolation
}

// Result is the outcome of replaying one batch.
type Result struct {
	// Full is the start position followed by every position the batch
	// actually moved to. No-op inputs add nothing.
	Full Trail
	// Disclosed is the slice of Full selected by the disclosure policy.
	Disclosed Trail
	// Final is the position after the last input.
	Final Position
}

// Replay applies inputs to start, one normalized unit step at a time. A
// single out-of-tolerance input rejects the whole batch.
func Replay(start Position, inputs []Direction) (Result, error) {
	full := make(Trail, 1, len(inputs)+1)
	full[0] = start

	pos := start
	for i, in := range inputs {
		d := in.Delta()
		if math.Abs(d.X) > StepTolerance || math.Abs(d.Y) > StepTolerance {
			return Result{}, &ViolationError{Index: i, Input: in, Delta: d}
		}
		if d.IsZero() {
			continue
		}
		pos = pos.Step(in)
		full = append(full, pos)
	}
	return Result{Full: full, Disclosed: Disclose(full), Final: pos}, nil
}

// Step returns p moved by the unit-normalized delta of d. It does not check
// the step tolerance.
func (p Position) Step(d Direction) Position {
	return p.Add(normalize(d.Delta()))
}

// normalize reduces d to its sign on each axis.
func normalize(d Delta) Delta {
	return Delta{X: sign(d.X), Y: sign(d.Y)}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// Disclose selects the publicly revealed slice of a full trail. With N
// positions (start included):
//
//	N <= 1      nothing
//	2 <= N <= 4 everything but the last position
//	N > 4       full[mid/2 : mid/2+mid] with mid = N/2, clamped to N-1
//
// The final position is never disclosed.
func Disclose(full Trail) Trail {
	n := len(full)
	switch {
	case n <= 1:
		return Trail{}
	case n <= 4:
		return full[:n-1].Clone()
	}
	mid := n / 2
	start := clamp(mid/2, 0, n-1)
	end := clamp(mid+mid/2, 0, n-1)
	if start >= end {
		return Trail{}
	}
	return full[start:end].Clone()
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
