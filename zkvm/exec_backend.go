package zkvm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/footsteps/footsteps/metrics"
)

// ErrExecFailed is returned when the external prover exits abnormally.
var ErrExecFailed = errors.New("zkvm: external prover failed")

// ExecRequest is written as JSON to the external prover's stdin for the
// "prove" subcommand.
type ExecRequest struct {
	Input hexutil.Bytes `json:"input"`
}

// ExecVerifyResponse is read from stdout of the "verify" subcommand.
type ExecVerifyResponse struct {
	Journal hexutil.Bytes `json:"journal"`
}

// ExecBackend delegates proving and verification to an external binary:
//
//	<path> [args...] prove  --program <0x id>   stdin ExecRequest  stdout Receipt
//	<path> [args...] verify --program <0x id>   stdin Receipt      stdout ExecVerifyResponse
//
// A non-zero exit status is a failure.
type ExecBackend struct {
	Path string
	Args []string
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
	// Env, if non-nil, replaces the child's environment.
	Env []string
}

// NewExecBackend creates a backend running the binary at path.
func NewExecBackend(path string, args ...string) *ExecBackend {
	return &ExecBackend{Path: path, Args: args}
}

// Name implements Prover.
func (b *ExecBackend) Name() string { return "exec:" + b.Path }

// Prove implements Prover.
func (b *ExecBackend) Prove(program ProgramID, input []byte) (*Receipt, error) {
	t := metrics.NewTimer(metrics.ProveTime)
	defer t.Stop()

	req, err := json.Marshal(ExecRequest{Input: input})
	if err != nil {
		return nil, proofError(err)
	}
	out, err := b.run("prove", program, req)
	if err != nil {
		return nil, proofError(err)
	}
	var r Receipt
	if err := json.Unmarshal(out, &r); err != nil {
		return nil, proofError(fmt.Errorf("decode receipt: %w", err))
	}
	if r.ProgramID != program {
		return nil, proofError(ErrProgramMismatch)
	}
	return &r, nil
}

// Verify implements Prover.
func (b *ExecBackend) Verify(r *Receipt, program ProgramID) ([]byte, error) {
	t := metrics.NewTimer(metrics.VerifyTime)
	defer t.Stop()

	if r == nil {
		return nil, verifyError(ErrNilReceipt)
	}
	if r.ProgramID != program {
		return nil, verifyError(ErrProgramMismatch)
	}
	req, err := json.Marshal(r)
	if err != nil {
		return nil, verifyError(err)
	}
	out, err := b.run("verify", program, req)
	if err != nil {
		return nil, verifyError(err)
	}
	var resp ExecVerifyResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, verifyError(fmt.Errorf("decode journal: %w", err))
	}
	// The external verifier must agree with the journal carried in the
	// receipt, otherwise the receipt is inconsistent.
	if !bytes.Equal(resp.Journal, r.Journal) {
		return nil, verifyError(ErrMalformedJournal)
	}
	return []byte(resp.Journal), nil
}

func (b *ExecBackend) run(sub string, program ProgramID, stdin []byte) ([]byte, error) {
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if b.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
	}
	defer cancel()

	args := append(append([]string(nil), b.Args...), sub, "--program", program.Hex())
	cmd := exec.CommandContext(ctx, b.Path, args...)
	if b.Env != nil {
		cmd.Env = b.Env
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s %s: %s", ErrExecFailed, b.Path, sub, msg)
	}
	return stdout.Bytes(), nil
}
