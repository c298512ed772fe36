package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/footsteps/footsteps/zkvm"
)

// fakeProver runs the movement guest without any cryptography.
type fakeProver struct {
	proveErr  error
	verifyErr error

	// If set, Prove signals started and then waits for release.
	started chan struct{}
	release chan struct{}

	proves   atomic.Int32
	verifies atomic.Int32
}

func (f *fakeProver) Name() string { return "fake" }

func (f *fakeProver) Prove(program zkvm.ProgramID, input []byte) (*zkvm.Receipt, error) {
	f.proves.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.proveErr != nil {
		return nil, fmt.Errorf("%w: %w", zkvm.ErrProofFailed, f.proveErr)
	}
	journal, err := zkvm.MovementGuest(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", zkvm.ErrProofFailed, err)
	}
	return &zkvm.Receipt{ProgramID: program, Journal: journal}, nil
}

func (f *fakeProver) Verify(r *zkvm.Receipt, program zkvm.ProgramID) ([]byte, error) {
	f.verifies.Add(1)
	if f.verifyErr != nil {
		return nil, fmt.Errorf("%w: %w", zkvm.ErrVerifyFailed, f.verifyErr)
	}
	if r.ProgramID != program {
		return nil, zkvm.ErrProgramMismatch
	}
	return r.Journal, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	receipts []*zkvm.Receipt
	err      error
}

func (p *recordingPublisher) PublishAttestation(r *zkvm.Receipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, r)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.receipts)
}

var errBackend = errors.New("backend unavailable")
