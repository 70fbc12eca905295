package escrow

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"jobescrow/core/events"
	"jobescrow/core/types"
)

// MaxMilestones bounds the milestone list of a single job.
const MaxMilestones = 256

// engineState is the staged view of ledger state a single operation runs
// against. Nothing is visible to other readers until Commit.
type engineState interface {
	NextJobID() (uint64, error)
	JobGet(id uint64) (*Job, bool, error)
	JobPut(job *Job) error
	ReserveCredit(amount *big.Int) error
	ReserveDebit(amount *big.Int) error
	PayableCredit(addr [20]byte, amount *big.Int) error
}

// StateTxn is an all-or-nothing transaction over the ledger state.
type StateTxn interface {
	engineState
	Commit() error
	Discard()
}

// StateBackend opens transactions and serves committed reads.
type StateBackend interface {
	Begin() StateTxn
	JobGet(id uint64) (*Job, bool, error)
	JobCount() (uint64, error)
	PayableBalance(addr [20]byte) (*big.Int, error)
	ReserveBalance() (*big.Int, error)
}

// Observer receives operation outcomes, typically a metrics registry.
type Observer interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObserveTransition(from, to string)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// role is the set of parties allowed to perform an operation.
type role uint8

const (
	roleClient role = iota + 1
	roleFreelancer
	roleEither
)

func (r role) allows(job *Job, caller [20]byte) bool {
	switch r {
	case roleClient:
		return caller == job.Client
	case roleFreelancer:
		return caller == job.Freelancer
	case roleEither:
		return caller == job.Client || caller == job.Freelancer
	default:
		return false
	}
}

// Engine is the escrow ledger. Every state-changing operation is serialized
// and applied against a fresh StateTxn; events are emitted only after the
// transaction commits.
type Engine struct {
	mu       sync.RWMutex
	state    StateBackend
	emitter  events.Emitter
	observer Observer
	logger   *slog.Logger
	nowFn    func() int64

	pending [][2]string
}

// NewEngine creates an engine with a no-op emitter and a silent logger.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state StateBackend) { e.state = state }

// SetObserver installs an operation observer. Nil disables observation.
func (e *Engine) SetObserver(observer Observer) { e.observer = observer }

// SetLogger configures the structured logger. Nil keeps the current logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger.With("component", "escrow")
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() uint64 {
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// CreateJob registers a new job for client with one milestone per amount and
// returns its sequential id.
func (e *Engine) CreateJob(client, freelancer [20]byte, metadataRef string, amounts []*big.Int) (uint64, error) {
	var id uint64
	err := e.apply("createJob", nil, func(tx StateTxn) ([]*types.Event, error) {
		if client == ([20]byte{}) {
			return nil, validationError("Invalid client")
		}
		if freelancer == ([20]byte{}) {
			return nil, validationError("Invalid freelancer")
		}
		if freelancer == client {
			return nil, validationError("Freelancer must differ from client")
		}
		if len(amounts) == 0 {
			return nil, validationError("At least one milestone required")
		}
		if len(amounts) > MaxMilestones {
			return nil, validationError("Too many milestones: %d exceeds %d", len(amounts), MaxMilestones)
		}
		milestones := make([]*Milestone, len(amounts))
		total := new(uint256.Int)
		for i, amount := range amounts {
			if amount == nil || amount.Sign() <= 0 {
				return nil, validationError("Milestone %d amount must be positive", i)
			}
			value, overflow := uint256.FromBig(amount)
			if overflow {
				return nil, validationError("Milestone %d amount exceeds 256 bits", i)
			}
			if _, overflow := total.AddOverflow(total, value); overflow {
				return nil, validationError("Milestone total exceeds 256 bits")
			}
			milestones[i] = &Milestone{Amount: new(big.Int).Set(amount)}
		}
		next, err := tx.NextJobID()
		if err != nil {
			return nil, err
		}
		now := e.now()
		job := &Job{
			ID:           next,
			Client:       client,
			Freelancer:   freelancer,
			MetadataRef:  strings.TrimSpace(metadataRef),
			Milestones:   milestones,
			FundedAmount: new(big.Int),
			BalanceHeld:  new(big.Int),
			Status:       JobStatusCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.JobPut(job); err != nil {
			return nil, err
		}
		id = next
		e.transition("", job.Status)
		return []*types.Event{NewJobCreatedEvent(job)}, nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FundEscrow deposits exactly the milestone total into escrow.
func (e *Engine) FundEscrow(caller [20]byte, id uint64, amount *big.Int) (*Job, error) {
	var out *Job
	err := e.apply("fundEscrow", &id, func(tx StateTxn) ([]*types.Event, error) {
		job, err := loadJob(tx, id)
		if err != nil {
			return nil, err
		}
		if !roleClient.allows(job, caller) {
			return nil, authorizationError("Only client can fund")
		}
		if job.Status != JobStatusCreated {
			return nil, stateError("Job not awaiting funding")
		}
		total := job.Total()
		if amount == nil || amount.Cmp(total) != 0 {
			return nil, validationError("Incorrect funding amount: expected %s, got %s", total, formatAmount(amount))
		}
		job.FundedAmount = new(big.Int).Set(amount)
		job.BalanceHeld = new(big.Int).Set(amount)
		job.Status = JobStatusFunded
		job.UpdatedAt = e.now()
		if err := tx.ReserveCredit(amount); err != nil {
			return nil, err
		}
		if err := tx.JobPut(job); err != nil {
			return nil, err
		}
		out = job.Clone()
		e.transition(JobStatusCreated.String(), job.Status)
		return []*types.Event{NewEscrowFundedEvent(job, amount)}, nil
	})
	return out, err
}

// SubmitMilestone records the freelancer's submission reference for the
// milestone at index. The first submission moves a Funded job to InProgress.
func (e *Engine) SubmitMilestone(caller [20]byte, id uint64, index int, submissionRef string) (*Job, error) {
	var out *Job
	err := e.apply("submitMilestone", &id, func(tx StateTxn) ([]*types.Event, error) {
		job, err := loadJob(tx, id)
		if err != nil {
			return nil, err
		}
		if !roleFreelancer.allows(job, caller) {
			return nil, authorizationError("Only freelancer can submit")
		}
		if err := requireActive(job); err != nil {
			return nil, err
		}
		milestone, err := milestoneAt(job, index)
		if err != nil {
			return nil, err
		}
		if milestone.Submitted {
			return nil, duplicateError("Milestone already submitted")
		}
		ref := strings.TrimSpace(submissionRef)
		if ref == "" {
			return nil, validationError("Submission reference required")
		}
		now := e.now()
		milestone.Submitted = true
		milestone.SubmissionRef = ref
		milestone.SubmittedAt = now
		prev := job.Status
		if job.Status == JobStatusFunded {
			job.Status = JobStatusInProgress
		}
		job.UpdatedAt = now
		if err := tx.JobPut(job); err != nil {
			return nil, err
		}
		out = job.Clone()
		if prev != job.Status {
			e.transition(prev.String(), job.Status)
		}
		return []*types.Event{NewMilestoneSubmittedEvent(job, index)}, nil
	})
	return out, err
}

// ApproveMilestone approves a submitted milestone and releases its amount from
// escrow to the freelancer's payable balance in the same transaction. The job
// completes when every milestone is approved.
func (e *Engine) ApproveMilestone(caller [20]byte, id uint64, index int) (*Job, error) {
	var out *Job
	err := e.apply("approveMilestone", &id, func(tx StateTxn) ([]*types.Event, error) {
		job, err := loadJob(tx, id)
		if err != nil {
			return nil, err
		}
		if !roleClient.allows(job, caller) {
			return nil, authorizationError(ReasonOnlyClientCanApprove)
		}
		if err := requireActive(job); err != nil {
			return nil, err
		}
		milestone, err := milestoneAt(job, index)
		if err != nil {
			return nil, err
		}
		if !milestone.Submitted {
			return nil, stateError("Milestone not submitted")
		}
		if milestone.Approved {
			return nil, duplicateError("Milestone already approved")
		}
		amount := new(big.Int).Set(milestone.Amount)
		if job.BalanceHeld == nil || job.BalanceHeld.Cmp(amount) < 0 {
			return nil, fmt.Errorf("escrow: job %d holds %s, cannot release %s", job.ID, formatAmount(job.BalanceHeld), amount)
		}
		if err := tx.ReserveDebit(amount); err != nil {
			return nil, err
		}
		if err := tx.PayableCredit(job.Freelancer, amount); err != nil {
			return nil, err
		}
		now := e.now()
		job.BalanceHeld = new(big.Int).Sub(job.BalanceHeld, amount)
		milestone.Approved = true
		milestone.ApprovedAt = now
		job.UpdatedAt = now
		evts := []*types.Event{NewMilestoneApprovedEvent(job, index)}
		prev := job.Status
		if job.allApproved() {
			job.Status = JobStatusCompleted
			evts = append(evts, NewJobCompletedEvent(job))
		}
		if err := tx.JobPut(job); err != nil {
			return nil, err
		}
		out = job.Clone()
		if prev != job.Status {
			e.transition(prev.String(), job.Status)
		}
		return evts, nil
	})
	return out, err
}

// RaiseDispute freezes an active job. Milestone flags and the held balance are
// left untouched.
func (e *Engine) RaiseDispute(caller [20]byte, id uint64) (*Job, error) {
	var out *Job
	err := e.apply("raiseDispute", &id, func(tx StateTxn) ([]*types.Event, error) {
		job, err := loadJob(tx, id)
		if err != nil {
			return nil, err
		}
		if !roleEither.allows(job, caller) {
			return nil, authorizationError("Only client or freelancer can dispute")
		}
		switch job.Status {
		case JobStatusDisputed:
			return nil, stateError("Job already disputed")
		case JobStatusCompleted:
			return nil, stateError("Job already completed")
		case JobStatusCreated:
			return nil, stateError("Job not funded")
		}
		prev := job.Status
		job.Status = JobStatusDisputed
		job.DisputedBy = caller
		job.UpdatedAt = e.now()
		if err := tx.JobPut(job); err != nil {
			return nil, err
		}
		out = job.Clone()
		e.transition(prev.String(), job.Status)
		return []*types.Event{NewDisputeRaisedEvent(job, caller)}, nil
	})
	return out, err
}

// Job returns a copy of the committed job record.
func (e *Engine) Job(id uint64) (*Job, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok, err := e.state.JobGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundError(id)
	}
	return job.Clone(), nil
}

// JobCount returns the number of jobs ever created.
func (e *Engine) JobCount() (uint64, error) {
	if e.state == nil {
		return 0, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.JobCount()
}

// PayableBalance returns the value released to addr across all jobs.
func (e *Engine) PayableBalance(addr [20]byte) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.PayableBalance(addr)
}

// ReserveBalance returns the total value currently held in escrow.
func (e *Engine) ReserveBalance() (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.ReserveBalance()
}

func (e *Engine) apply(op string, jobID *uint64, fn func(tx StateTxn) ([]*types.Event, error)) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	started := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = e.pending[:0]
	tx := e.state.Begin()
	evts, err := fn(tx)
	if err == nil {
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("escrow: commit %s: %w", op, commitErr)
		}
	}
	if err != nil {
		tx.Discard()
		e.record(op, jobID, nil, err, started)
		return err
	}
	for _, evt := range evts {
		e.emitter.Emit(escrowEvent{evt: evt})
	}
	if e.observer != nil {
		for _, t := range e.pending {
			e.observer.ObserveTransition(t[0], t[1])
		}
	}
	e.record(op, jobID, evts, nil, started)
	return nil
}

func (e *Engine) record(op string, jobID *uint64, evts []*types.Event, err error, started time.Time) {
	attrs := []any{slog.String("op", op)}
	if jobID != nil {
		attrs = append(attrs, slog.Uint64("jobId", *jobID))
	} else if len(evts) > 0 {
		attrs = append(attrs, slog.String("jobId", evts[0].Attr("jobId")))
	}
	outcome := "ok"
	if err != nil {
		kind := KindOf(err)
		outcome = kind.String()
		attrs = append(attrs, slog.String("kind", kind.String()), slog.String("error", err.Error()))
		if kind == KindUnknown {
			e.logger.Error("ledger operation failed", attrs...)
		} else {
			e.logger.Warn("ledger operation rejected", attrs...)
		}
	} else {
		e.logger.Info("ledger operation applied", attrs...)
	}
	if e.observer != nil {
		e.observer.ObserveOperation(op, outcome, time.Since(started))
	}
}

// transition queues a status change for the observer; it is flushed only
// after the transaction commits.
func (e *Engine) transition(from string, to JobStatus) {
	e.pending = append(e.pending, [2]string{from, to.String()})
}

func loadJob(tx engineState, id uint64) (*Job, error) {
	job, ok, err := tx.JobGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFoundError(id)
	}
	return job, nil
}

func requireActive(job *Job) error {
	if job.Status == JobStatusDisputed {
		return stateError(ReasonJobUnderDispute)
	}
	if !job.Status.Active() {
		return stateError("Job not active")
	}
	return nil
}

func milestoneAt(job *Job, index int) (*Milestone, error) {
	if index < 0 || index >= len(job.Milestones) {
		return nil, validationError("Invalid milestone index %d", index)
	}
	milestone := job.Milestones[index]
	if milestone == nil {
		return nil, errors.New("escrow: nil milestone")
	}
	return milestone, nil
}
