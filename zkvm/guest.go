package zkvm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/footsteps/footsteps/crypto"
	"github.com/footsteps/footsteps/movement"
)

// Guest is a program the local backend can execute. It maps a private input
// to the journal, or fails.
type Guest func(input []byte) ([]byte, error)

// movementGuestVersion changes whenever the movement rules change, which in
// turn changes MovementProgramID.
const movementGuestVersion uint32 = 1

// MovementProgramID identifies the movement replay program: the batch is
// replayed from its start position, every step is checked against
// movement.StepTolerance and the disclosed trail is committed as journal.
var MovementProgramID = movementProgramID()

func movementProgramID() ProgramID {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[:4], movementGuestVersion)
	binary.BigEndian.PutUint64(buf[4:], math.Float64bits(movement.StepTolerance))
	return crypto.Keccak256Hash([]byte("footsteps/movement-guest"), buf[:])
}

// guestInput is the RLP layout of the private input. Coordinates travel as
// IEEE-754 bit patterns so negative values survive.
type guestInput struct {
	Inputs []byte
	StartX uint64
	StartY uint64
}

// wirePosition is the RLP layout of one journal entry.
type wirePosition struct {
	X uint64
	Y uint64
}

// EncodeInput serializes a batch and its start position as guest input.
func EncodeInput(start movement.Position, inputs []movement.Direction) ([]byte, error) {
	in := guestInput{
		Inputs: make([]byte, len(inputs)),
		StartX: math.Float64bits(start.X),
		StartY: math.Float64bits(start.Y),
	}
	for i, d := range inputs {
		in.Inputs[i] = byte(d)
	}
	return rlp.EncodeToBytes(&in)
}

// DecodeInput is the inverse of EncodeInput. Unknown direction codes are
// rejected.
func DecodeInput(data []byte) (movement.Position, []movement.Direction, error) {
	var in guestInput
	if err := rlp.DecodeBytes(data, &in); err != nil {
		return movement.Position{}, nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	dirs := make([]movement.Direction, len(in.Inputs))
	for i, b := range in.Inputs {
		d := movement.Direction(b)
		if !d.Valid() {
			return movement.Position{}, nil, fmt.Errorf("%w: direction code %d at %d", ErrMalformedInput, b, i)
		}
		dirs[i] = d
	}
	start := movement.Position{X: math.Float64frombits(in.StartX), Y: math.Float64frombits(in.StartY)}
	return start, dirs, nil
}

// EncodeJournal serializes a disclosed trail.
func EncodeJournal(trail movement.Trail) ([]byte, error) {
	wire := make([]wirePosition, len(trail))
	for i, p := range trail {
		wire[i] = wirePosition{X: math.Float64bits(p.X), Y: math.Float64bits(p.Y)}
	}
	return rlp.EncodeToBytes(wire)
}

// DecodeJournal parses a journal produced by the movement guest. The
// decoded trail must be contiguous under the unit-step rule.
func DecodeJournal(data []byte) (movement.Trail, error) {
	var wire []wirePosition
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJournal, err)
	}
	trail := make(movement.Trail, len(wire))
	for i, w := range wire {
		trail[i] = movement.Position{X: math.Float64frombits(w.X), Y: math.Float64frombits(w.Y)}
	}
	if !trail.Contiguous() {
		return nil, fmt.Errorf("%w: trail is not contiguous", ErrMalformedJournal)
	}
	return trail, nil
}

// MovementGuest is the movement replay program.
func MovementGuest(input []byte) ([]byte, error) {
	start, dirs, err := DecodeInput(input)
	if err != nil {
		return nil, err
	}
	res, err := movement.Replay(start, dirs)
	if err != nil {
		return nil, err
	}
	return EncodeJournal(res.Disclosed)
}

// DefaultGuests returns the programs known to a LocalBackend by default.
func DefaultGuests() map[ProgramID]Guest {
	return map[ProgramID]Guest{MovementProgramID: MovementGuest}
}

// VerifyTrail verifies a receipt for the movement program and decodes its
// journal.
func VerifyTrail(p Prover, receipt *Receipt) (movement.Trail, error) {
	journal, err := p.Verify(receipt, MovementProgramID)
	if err != nil {
		return nil, err
	}
	trail, err := DecodeJournal(journal)
	if err != nil {
		return nil, verifyError(err)
	}
	return trail, nil
}
