package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/footsteps/footsteps/log"
	"github.com/footsteps/footsteps/metrics"
	"github.com/footsteps/footsteps/movement"
	"github.com/footsteps/footsteps/zkvm"
)

// Scheduler defaults.
const (
	DefaultBatchInterval = 5 * time.Second
	DefaultPollInterval  = 100 * time.Millisecond
)

// ErrTrailMismatch is returned when a verified journal disagrees with the
// local replay of the same batch.
var ErrTrailMismatch = errors.New("pipeline: verified trail does not match replay")

// Publisher disseminates a committed attestation. Failures are logged and
// not retried.
type Publisher interface {
	PublishAttestation(r *zkvm.Receipt) error
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// BatchInterval is the deadline between batch attempts.
	BatchInterval time.Duration
	// PollInterval is the wake-up cadence that checks the deadline.
	PollInterval time.Duration
}

// DefaultSchedulerConfig returns the default cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		BatchInterval: DefaultBatchInterval,
		PollInterval:  DefaultPollInterval,
	}
}

// Scheduler is the background batch worker. At most one batch is in flight
// per State.
type Scheduler struct {
	config SchedulerConfig
	state  *State
	rec    *Reconciler
	prover zkvm.Prover
	pub    Publisher
	log    *log.Logger
}

// NewScheduler creates a scheduler. pub may be nil, in which case committed
// attestations are not disseminated.
func NewScheduler(config SchedulerConfig, state *State, rec *Reconciler, prover zkvm.Prover, pub Publisher) *Scheduler {
	if config.BatchInterval <= 0 {
		config.BatchInterval = DefaultBatchInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Scheduler{
		config: config,
		state:  state,
		rec:    rec,
		prover: prover,
		pub:    pub,
		log:    log.Default().Module("scheduler"),
	}
}

// Run polls every PollInterval and attempts a batch whenever BatchInterval
// has elapsed since the last attempt finished. Each attempt runs on its own
// goroutine. An attempt with nothing pending just rearms the deadline. Run
// returns as soon as ctx is done; a batch still in flight is abandoned and
// finishes in the background.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var inflight chan struct{}
	deadline := time.Now().Add(s.config.BatchInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if inflight != nil {
				select {
				case <-inflight:
					inflight = nil
					deadline = now.Add(s.config.BatchInterval)
				default:
				}
				continue
			}
			if now.Before(deadline) {
				continue
			}
			inflight = make(chan struct{})
			go func(done chan struct{}) {
				defer close(done)
				s.TryBatch()
			}(inflight)
		}
	}
}

// TryBatch runs one batch if none is in flight and input is pending. It
// reports whether a batch was started and, if so, the error it failed with.
func (s *Scheduler) TryBatch() (bool, error) {
	batch, start, ok := s.state.beginBatch()
	if !ok {
		return false, nil
	}
	metrics.BatchStarted.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))
	s.log.Info("Batch started", "inputs", len(batch), "start", start.String())

	receipt, trail, final, err := s.run(start, batch)
	if err != nil {
		s.rec.RevertLocal(err)
		return true, err
	}
	s.rec.CommitLocal(final, trail)

	if s.pub != nil {
		if err := s.pub.PublishAttestation(receipt); err != nil {
			s.log.Warn("Publish failed", "err", err)
		}
	}
	return true, nil
}

// run proves and verifies one batch. No State lock is held here.
func (s *Scheduler) run(start movement.Position, batch []movement.Direction) (*zkvm.Receipt, movement.Trail, movement.Position, error) {
	res, err := movement.Replay(start, batch)
	if err != nil {
		return nil, nil, movement.Position{}, err
	}
	input, err := zkvm.EncodeInput(start, batch)
	if err != nil {
		return nil, nil, movement.Position{}, err
	}

	receipt, err := s.prover.Prove(zkvm.MovementProgramID, input)
	if err != nil {
		return nil, nil, movement.Position{}, err
	}

	// The verified trail only ever comes out of Verify.
	s.state.setStatus(StatusVerifying, TextVerifying)
	trail, err := zkvm.VerifyTrail(s.prover, receipt)
	if err != nil {
		return nil, nil, movement.Position{}, err
	}
	if !trail.Equal(res.Disclosed) {
		return nil, nil, movement.Position{}, fmt.Errorf("%w: got %d positions, want %d", ErrTrailMismatch, len(trail), len(res.Disclosed))
	}
	return receipt, trail, res.Final, nil
}
