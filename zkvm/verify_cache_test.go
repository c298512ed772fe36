package zkvm

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/footsteps/footsteps/movement"
)

type countingProver struct {
	Prover
	verifies atomic.Int32
}

func (c *countingProver) Verify(r *Receipt, program ProgramID) ([]byte, error) {
	c.verifies.Add(1)
	return c.Prover.Verify(r, program)
}

func TestCachingProver_Hit(t *testing.T) {
	inner := &countingProver{Prover: NewLocalBackend(nil)}
	c := NewCachingProver(inner, 0)
	r := proveBatch(t, c, movement.Origin, movement.Up, movement.Up)

	for i := 0; i < 3; i++ {
		if _, err := c.Verify(r, MovementProgramID); err != nil {
			t.Fatalf("Verify %d: %v", i, err)
		}
	}
	if n := inner.verifies.Load(); n != 1 {
		t.Fatalf("inner verifies: got %d, want 1", n)
	}
	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 || stats.Entries != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestCachingProver_FailuresNotCached(t *testing.T) {
	inner := &countingProver{Prover: NewLocalBackend(nil)}
	c := NewCachingProver(inner, 0)
	r := proveBatch(t, c, movement.Origin, movement.Up)
	r.Seal[5] ^= 0x01

	for i := 0; i < 2; i++ {
		if _, err := c.Verify(r, MovementProgramID); !errors.Is(err, ErrVerifyFailed) {
			t.Fatalf("expected ErrVerifyFailed, got %v", err)
		}
	}
	if n := inner.verifies.Load(); n != 2 {
		t.Fatalf("inner verifies: got %d, want 2", n)
	}
	if c.Stats().Entries != 0 {
		t.Fatal("failed verification was cached")
	}
}

func TestCachingProver_KeyedByProgram(t *testing.T) {
	c := NewCachingProver(NewLocalBackend(nil), 0)
	r := proveBatch(t, c, movement.Origin, movement.Right)
	if _, err := c.Verify(r, MovementProgramID); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := c.Verify(r, ProgramID{0x01}); !errors.Is(err, ErrProgramMismatch) {
		t.Fatalf("expected ErrProgramMismatch, got %v", err)
	}
}

func TestCachingProver_Eviction(t *testing.T) {
	c := NewCachingProver(NewLocalBackend(nil), 2)
	for i := 0; i < 3; i++ {
		r := proveBatch(t, c, movement.Origin, movement.Down)
		if _, err := c.Verify(r, MovementProgramID); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	stats := c.Stats()
	if stats.Entries != 2 || stats.Evictions != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestCachingProver_Nil(t *testing.T) {
	c := NewCachingProver(NewLocalBackend(nil), 0)
	if _, err := c.Verify(nil, MovementProgramID); !errors.Is(err, ErrNilReceipt) {
		t.Fatalf("expected ErrNilReceipt, got %v", err)
	}
}

func TestCachingProver_BoundaryShiftMisses(t *testing.T) {
	inner := &countingProver{Prover: NewLocalBackend(nil)}
	c := NewCachingProver(inner, 0)
	r := proveBatch(t, c, movement.Origin, movement.Up, movement.Left)
	if _, err := c.Verify(r, MovementProgramID); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	bad := r.Copy()
	n := len(r.Journal)
	bad.Journal = append([]byte(nil), r.Journal[:n-1]...)
	bad.Seal = append([]byte{r.Journal[n-1]}, r.Seal...)
	if bad.Digest() == r.Digest() {
		t.Fatal("shifted receipt has the same digest")
	}
	if _, err := c.Verify(bad, MovementProgramID); !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
	if n := inner.verifies.Load(); n != 2 {
		t.Fatalf("inner verifies: got %d, want 2", n)
	}
}
