package zkvm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/footsteps/footsteps/movement"
)

// helperBackend runs this test binary as the external prover.
func helperBackend() *ExecBackend {
	b := NewExecBackend(os.Args[0], "-test.run=TestHelperProcess", "--")
	b.Env = append(os.Environ(), "FOOTSTEPS_WANT_HELPER_PROCESS=1")
	b.Timeout = 30 * time.Second
	return b
}

// TestHelperProcess is not a real test. It is the external prover used by
// the ExecBackend tests, backed by a LocalBackend.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FOOTSTEPS_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) != 4 || args[2] != "--program" {
		fmt.Fprintf(os.Stderr, "usage: prove|verify --program <id>\n")
		os.Exit(2)
	}
	program := common.HexToHash(args[3])
	stdin, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	local := NewLocalBackend(nil)
	switch args[1] {
	case "prove":
		var req ExecRequest
		if err := json.Unmarshal(stdin, &req); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		r, err := local.Prove(program, req.Input)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(r)
	case "verify":
		var r Receipt
		if err := json.Unmarshal(stdin, &r); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		journal, err := local.Verify(&r, program)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		json.NewEncoder(os.Stdout).Encode(ExecVerifyResponse{Journal: journal})
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[1])
		os.Exit(2)
	}
	os.Exit(0)
}

func TestExecBackend_ProveVerify(t *testing.T) {
	b := helperBackend()
	r := proveBatch(t, b, movement.Origin, movement.Up, movement.Right, movement.Up, movement.Right)

	trail, err := VerifyTrail(b, r)
	if err != nil {
		t.Fatalf("VerifyTrail: %v", err)
	}
	want := movement.Trail{{X: 0, Y: 1}, {X: 1, Y: 1}}
	if !trail.Equal(want) {
		t.Fatalf("trail: got %v, want %v", trail, want)
	}

	// Receipts from the external prover verify in-process too.
	if _, err := VerifyTrail(NewLocalBackend(nil), r); err != nil {
		t.Fatalf("local verify of external receipt: %v", err)
	}
}

func TestExecBackend_ProveFailure(t *testing.T) {
	b := helperBackend()
	input, err := EncodeInput(movement.Origin, []movement.Direction{movement.InvalidTest})
	if err != nil {
		t.Fatalf("EncodeInput: %v", err)
	}
	_, err = b.Prove(MovementProgramID, input)
	if !errors.Is(err, ErrProofFailed) || !errors.Is(err, ErrExecFailed) {
		t.Fatalf("expected ErrProofFailed/ErrExecFailed, got %v", err)
	}
}

func TestExecBackend_VerifyTampered(t *testing.T) {
	b := helperBackend()
	r := proveBatch(t, b, movement.Origin, movement.Left, movement.Left)
	r.Seal[0] ^= 0xff
	if _, err := b.Verify(r, MovementProgramID); !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
}

func TestExecBackend_MissingBinary(t *testing.T) {
	b := NewExecBackend("/nonexistent/footsteps-prover")
	_, err := b.Prove(MovementProgramID, nil)
	if !errors.Is(err, ErrExecFailed) {
		t.Fatalf("expected ErrExecFailed, got %v", err)
	}
}

func TestExecBackend_NoDefaultTimeout(t *testing.T) {
	b := NewExecBackend("/bin/prover", "--gpu")
	if b.Timeout != 0 {
		t.Fatalf("timeout: got %v, want none", b.Timeout)
	}
	r := proveBatch(t, helperBackend(), movement.Origin, movement.Up)
	b = helperBackend()
	b.Timeout = 0
	if _, err := b.Verify(r, MovementProgramID); err != nil {
		t.Fatalf("Verify without timeout: %v", err)
	}
}
