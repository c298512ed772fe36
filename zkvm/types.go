// Package zkvm is the proof capability consumed by the batch pipeline. A
// Prover attests that a guest program ran to completion over a private
// input and declares the program's public output (the journal); Verify
// checks such a receipt against a program identity and returns the journal.
//
// Two backends are provided: LocalBackend, an in-process hash-commitment
// backend for development and tests, and ExecBackend, which delegates to an
// external proving binary.
package zkvm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/footsteps/footsteps/crypto"
)

// Proof capability errors.
var (
	// ErrProofFailed covers every proving failure, constraint violations
	// included.
	ErrProofFailed = errors.New("zkvm: proof generation failed")
	// ErrVerifyFailed is returned for any receipt that does not verify.
	ErrVerifyFailed = errors.New("zkvm: receipt verification failed")

	ErrNilReceipt       = errors.New("zkvm: nil receipt")
	ErrBadSealLength    = errors.New("zkvm: bad seal length")
	ErrProgramMismatch  = errors.New("zkvm: receipt is for a different program")
	ErrUnknownProgram   = errors.New("zkvm: unknown program")
	ErrMalformedInput   = errors.New("zkvm: malformed guest input")
	ErrMalformedJournal = errors.New("zkvm: malformed journal")
	ErrGuestPanicked    = errors.New("zkvm: guest execution panicked")
)

// ProgramID pins verification to one exact validated computation.
type ProgramID = common.Hash

// Receipt is an attestation: an opaque seal plus the declared public output
// of the program it was produced for.
type Receipt struct {
	ProgramID ProgramID `json:"programId"`
	// Journal is the declared public output.
	Journal hexutil.Bytes `json:"journal"`
	// Seal is the proof proper. Its format is backend specific.
	Seal hexutil.Bytes `json:"seal"`
	// Commitment binds the seal to the private input without revealing it.
	Commitment common.Hash `json:"commitment"`
}

// Digest identifies a receipt by content. Fields are RLP-framed so that
// moving bytes between the journal and the seal changes the digest.
func (r *Receipt) Digest() common.Hash {
	enc, err := rlp.EncodeToBytes([]interface{}{r.ProgramID, r.Commitment, []byte(r.Journal), []byte(r.Seal)})
	if err != nil {
		panic(fmt.Sprintf("zkvm: encode receipt: %v", err))
	}
	return crypto.Keccak256Hash(enc)
}

// Copy returns a deep copy of the receipt.
func (r *Receipt) Copy() *Receipt {
	cp := *r
	cp.Journal = append(hexutil.Bytes(nil), r.Journal...)
	cp.Seal = append(hexutil.Bytes(nil), r.Seal...)
	return &cp
}

// Prover is the proof capability. Prove may take seconds to minutes and
// must be kept off latency-sensitive paths. Verify is deterministic and
// side-effect free; it fails closed on any tampering with the seal, the
// journal or the program identity.
type Prover interface {
	// Name returns the backend name.
	Name() string

	// Prove runs program over the private input and returns a receipt
	// whose journal is the program's public output.
	Prove(program ProgramID, input []byte) (*Receipt, error)

	// Verify checks receipt against program and returns the journal.
	Verify(receipt *Receipt, program ProgramID) ([]byte, error)
}

func proofError(cause error) error {
	return fmt.Errorf("%w: %w", ErrProofFailed, cause)
}

func verifyError(cause error) error {
	return fmt.Errorf("%w: %w", ErrVerifyFailed, cause)
}
