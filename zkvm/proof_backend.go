package zkvm

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/footsteps/footsteps/crypto"
	"github.com/footsteps/footsteps/metrics"
)

// Seal layout of the local backend: A (64) || B (128) || C (64).
const (
	pointASize = 64
	pointBSize = 128
	pointCSize = 64

	// LocalSealSize is the size of a seal produced by LocalBackend.
	LocalSealSize = pointASize + pointBSize + pointCSize
)

// LocalBackend executes guests in-process and seals the result with a
// keccak hash commitment over the input commitment, the journal and the
// program identity. It is sound against tampering with any receipt field
// but not against a dishonest prover, so it is meant for development and
// tests; use ExecBackend for a real proving system.
type LocalBackend struct {
	mu     sync.RWMutex
	guests map[ProgramID]Guest
}

// NewLocalBackend creates a backend that knows the given guests. A nil map
// installs DefaultGuests.
func NewLocalBackend(guests map[ProgramID]Guest) *LocalBackend {
	if guests == nil {
		guests = DefaultGuests()
	}
	cp := make(map[ProgramID]Guest, len(guests))
	for id, g := range guests {
		cp[id] = g
	}
	return &LocalBackend{guests: cp}
}

// Name implements Prover.
func (b *LocalBackend) Name() string { return "local" }

// Register adds or replaces a guest program.
func (b *LocalBackend) Register(id ProgramID, g Guest) {
	b.mu.Lock()
	b.guests[id] = g
	b.mu.Unlock()
}

func (b *LocalBackend) guest(id ProgramID) (Guest, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.guests[id]
	return g, ok
}

// Prove implements Prover.
func (b *LocalBackend) Prove(program ProgramID, input []byte) (*Receipt, error) {
	t := metrics.NewTimer(metrics.ProveTime)
	defer t.Stop()

	g, ok := b.guest(program)
	if !ok {
		return nil, proofError(fmt.Errorf("%w: %s", ErrUnknownProgram, program.Hex()))
	}
	journal, err := runGuest(g, input)
	if err != nil {
		return nil, proofError(err)
	}

	var blind [32]byte
	if _, err := rand.Read(blind[:]); err != nil {
		return nil, proofError(err)
	}
	commitment := crypto.Keccak256Hash(blind[:], input)
	return &Receipt{
		ProgramID:  program,
		Journal:    journal,
		Seal:       computeSeal(program, commitment, journal),
		Commitment: commitment,
	}, nil
}

// Verify implements Prover.
func (b *LocalBackend) Verify(r *Receipt, program ProgramID) ([]byte, error) {
	t := metrics.NewTimer(metrics.VerifyTime)
	defer t.Stop()

	if r == nil {
		return nil, verifyError(ErrNilReceipt)
	}
	if r.ProgramID != program {
		return nil, verifyError(ErrProgramMismatch)
	}
	if len(r.Seal) != LocalSealSize {
		return nil, verifyError(fmt.Errorf("%w: got %d, want %d", ErrBadSealLength, len(r.Seal), LocalSealSize))
	}
	want := computeSeal(program, r.Commitment, r.Journal)
	if subtle.ConstantTimeCompare(want, r.Seal) != 1 {
		return nil, verifyError(fmt.Errorf("seal does not match"))
	}
	return append([]byte(nil), r.Journal...), nil
}

// runGuest executes g and turns a panic into an error.
func runGuest(g Guest, input []byte) (journal []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			journal, err = nil, fmt.Errorf("%w: %v", ErrGuestPanicked, p)
		}
	}()
	return g(input)
}

func computeSeal(program ProgramID, commitment common.Hash, journal []byte) []byte {
	journalHash := crypto.Keccak256Hash(journal)
	a := computePointA(commitment, journalHash)
	bp := computePointB(a, program)
	c := computePointC(a, bp)

	seal := make([]byte, 0, LocalSealSize)
	seal = append(seal, a[:]...)
	seal = append(seal, bp[:]...)
	seal = append(seal, c[:]...)
	return seal
}

// computePointA binds the input commitment to the journal.
func computePointA(commitment, journalHash common.Hash) [pointASize]byte {
	var out [pointASize]byte
	copy(out[:32], crypto.Keccak256(commitment[:], journalHash[:], []byte("SealPointA")))
	copy(out[32:], crypto.Keccak256([]byte("A_second"), commitment[:], journalHash[:]))
	return out
}

// computePointB binds A to the program identity.
func computePointB(a [pointASize]byte, program ProgramID) [pointBSize]byte {
	var out [pointBSize]byte
	for i := 0; i < 4; i++ {
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], uint32(i))
		copy(out[i*32:], crypto.Keccak256(a[:], program[:], idx[:], []byte("SealPointB")))
	}
	return out
}

func computePointC(a [pointASize]byte, b [pointBSize]byte) [pointCSize]byte {
	var out [pointCSize]byte
	copy(out[:32], crypto.Keccak256(a[:], b[:], []byte("SealPointC_first")))
	copy(out[32:], crypto.Keccak256(b[:], a[:], []byte("SealPointC_second")))
	return out
}
