// Package status keeps the backend job record in step with the workflow.
//
// Every backend write is an Operation with a fixed Mode in a Policy table.
// Blocking operations run inline and their failure aborts the transition
// that asked for them. Best-effort operations run on their own goroutine
// with a detached, time-bounded context and only ever produce warnings.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/coleta/internal/collect"
	"github.com/kingrea/coleta/internal/faults"
	"github.com/kingrea/coleta/internal/logging"
)

// DefaultBestEffortTimeout bounds a dispatched best-effort call.
const DefaultBestEffortTimeout = 10 * time.Second

// Operation names a backend write (or the poll read).
type Operation string

const (
	OpClaim     Operation = "claim"
	OpConfirm   Operation = "confirm"
	OpAwaiting  Operation = "awaiting"
	OpAssociate Operation = "associate"
	OpRevert    Operation = "revert"
	OpPoll      Operation = "poll"
)

// Mode says whether a failure aborts the caller.
type Mode int

const (
	Blocking Mode = iota
	BestEffort
)

func (m Mode) String() string {
	if m == BestEffort {
		return "best-effort"
	}
	return "blocking"
}

// Policy maps operations to modes. Operations missing from the table are
// blocking.
type Policy map[Operation]Mode

// DefaultPolicy is the collector workflow's table.
func DefaultPolicy() Policy {
	return Policy{
		OpClaim:     Blocking,
		OpConfirm:   Blocking,
		OpAwaiting:  Blocking,
		OpAssociate: BestEffort,
		OpRevert:    BestEffort,
		OpPoll:      BestEffort,
	}
}

// Mode returns the mode of op.
func (p Policy) Mode(op Operation) Mode {
	if mode, ok := p[op]; ok {
		return mode
	}
	return Blocking
}

// Outcome reports one operation. For a dispatched best-effort operation
// the returned Outcome has Pending set and the final one goes to the
// warning handler (on failure) and the completion callback.
type Outcome struct {
	Op      Operation
	Mode    Mode
	JobID   int64
	Err     error
	Pending bool
}

// Blocked reports a blocking failure: the transition must not proceed.
func (o Outcome) Blocked() bool {
	return o.Err != nil && o.Mode == Blocking
}

// Warning reports a tolerated best-effort failure.
func (o Outcome) Warning() bool {
	return o.Err != nil && o.Mode == BestEffort
}

// Backend is the slice of the backend API the synchronizer needs.
type Backend interface {
	Claim(ctx context.Context, id int64) error
	PatchStatus(ctx context.Context, id int64, status collect.Status) error
	PatchCooperative(ctx context.Context, id, cooperativeID int64) error
	GetJob(ctx context.Context, id int64) (collect.Job, error)
}

// Synchronizer pushes and pulls job state according to a Policy.
type Synchronizer struct {
	backend   Backend
	policy    Policy
	timeout   time.Duration
	onWarning func(Outcome)
	logger    logrus.FieldLogger

	wg sync.WaitGroup
}

// Option customizes the synchronizer.
type Option func(*Synchronizer)

// WithPolicy replaces the default policy table.
func WithPolicy(p Policy) Option {
	return func(s *Synchronizer) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithBestEffortTimeout bounds dispatched calls.
func WithBestEffortTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithWarningHandler receives every failed best-effort outcome.
func WithWarningHandler(fn func(Outcome)) Option {
	return func(s *Synchronizer) { s.onWarning = fn }
}

// WithLogger attaches a logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSynchronizer wires a synchronizer to the backend.
func NewSynchronizer(backend Backend, opts ...Option) (*Synchronizer, error) {
	if backend == nil {
		return nil, fmt.Errorf("status: backend is required")
	}
	s := &Synchronizer{
		backend: backend,
		policy:  DefaultPolicy(),
		timeout: DefaultBestEffortTimeout,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Claim assigns the job to this collector.
func (s *Synchronizer) Claim(ctx context.Context, jobID int64) Outcome {
	return s.run(ctx, OpClaim, jobID, nil, func(ctx context.Context) error {
		return s.backend.Claim(ctx, jobID)
	})
}

// PushStatus writes a status. The operation, and so its mode, follows from
// the status being written.
func (s *Synchronizer) PushStatus(ctx context.Context, jobID int64, status collect.Status) Outcome {
	return s.run(ctx, operationFor(status), jobID, nil, func(ctx context.Context) error {
		return s.backend.PatchStatus(ctx, jobID, status)
	})
}

// AssociateCooperative links the job to its destination cooperative.
// Failures match faults.ErrAssociationFailed.
func (s *Synchronizer) AssociateCooperative(ctx context.Context, jobID, cooperativeID int64) Outcome {
	return s.run(ctx, OpAssociate, jobID, nil, func(ctx context.Context) error {
		if err := s.backend.PatchCooperative(ctx, jobID, cooperativeID); err != nil {
			return faults.New(faults.ErrAssociationFailed, "associate cooperative", err)
		}
		return nil
	})
}

// Revert puts the job back to REQUESTED. done, when set, runs once the
// revert has settled, whatever its result.
func (s *Synchronizer) Revert(jobID int64, done func(Outcome)) Outcome {
	return s.run(context.Background(), OpRevert, jobID, done, func(ctx context.Context) error {
		return s.backend.PatchStatus(ctx, jobID, collect.StatusRequested)
	})
}

// PullStatus reads the current backend status of a job.
func (s *Synchronizer) PullStatus(ctx context.Context, jobID int64) (collect.Status, error) {
	job, err := s.backend.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Wait blocks until every dispatched best-effort operation has settled.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}

func (s *Synchronizer) run(ctx context.Context, op Operation, jobID int64, done func(Outcome), fn func(context.Context) error) Outcome {
	mode := s.policy.Mode(op)
	log := s.logger.WithFields(logrus.Fields{"op": string(op), "job_id": jobID, "mode": mode.String()})

	if mode == Blocking {
		outcome := Outcome{Op: op, Mode: mode, JobID: jobID, Err: fn(ctx)}
		if outcome.Err != nil {
			log.WithError(outcome.Err).Info("status.blocked")
		}
		if done != nil {
			done(outcome)
		}
		return outcome
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		outcome := Outcome{Op: op, Mode: mode, JobID: jobID, Err: fn(callCtx)}
		if outcome.Err != nil {
			log.WithError(outcome.Err).Warn("status.best_effort_failed")
			if s.onWarning != nil {
				s.onWarning(outcome)
			}
		}
		if done != nil {
			done(outcome)
		}
	}()
	return Outcome{Op: op, Mode: mode, JobID: jobID, Pending: true}
}

func operationFor(status collect.Status) Operation {
	switch status {
	case collect.StatusConfirmed:
		return OpConfirm
	case collect.StatusAwaiting:
		return OpAwaiting
	case collect.StatusRequested:
		return OpRevert
	default:
		return Operation("status:" + string(status))
	}
}
