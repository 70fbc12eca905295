package escrow

import (
	"math/big"
)

// JobStatus is the lifecycle state of a job. The numeric values are part of
// the external interface and must not be reordered.
type JobStatus uint8

const (
	// JobStatusCreated marks jobs that exist but hold no funds.
	JobStatusCreated JobStatus = iota
	// JobStatusFunded marks jobs whose full milestone total is held in escrow.
	JobStatusFunded
	// JobStatusInProgress marks funded jobs with at least one submission.
	JobStatusInProgress
	// JobStatusCompleted marks jobs whose milestones were all approved and
	// paid out. Terminal.
	JobStatusCompleted
	// JobStatusDisputed marks jobs frozen by a dispute. No further approvals
	// or releases happen; resolution is handled outside the ledger.
	JobStatusDisputed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusCreated:
		return "created"
	case JobStatusFunded:
		return "funded"
	case JobStatusInProgress:
		return "in_progress"
	case JobStatusCompleted:
		return "completed"
	case JobStatusDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// Active reports whether work can progress: Funded and InProgress are the
// same phase for every check.
func (s JobStatus) Active() bool {
	return s == JobStatusFunded || s == JobStatusInProgress
}

// Milestone is a unit of payable work. Amount is fixed when the job is created.
type Milestone struct {
	Amount        *big.Int
	SubmissionRef string
	Submitted     bool
	Approved      bool
	SubmittedAt   uint64
	ApprovedAt    uint64
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Job is a client and freelancer agreement with escrowed milestones.
type Job struct {
	ID           uint64
	Client       [20]byte
	Freelancer   [20]byte
	MetadataRef  string
	Milestones   []*Milestone
	FundedAmount *big.Int
	BalanceHeld  *big.Int
	Status       JobStatus
	DisputedBy   [20]byte
	CreatedAt    uint64
	UpdatedAt    uint64
}

// Clone returns a deep copy of the job so callers never alias stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.FundedAmount = cloneAmount(j.FundedAmount)
	clone.BalanceHeld = cloneAmount(j.BalanceHeld)
	if j.Milestones != nil {
		clone.Milestones = make([]*Milestone, len(j.Milestones))
		for i, m := range j.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// Total is the sum of all milestone amounts, the exact funding requirement.
func (j *Job) Total() *big.Int {
	total := new(big.Int)
	for _, m := range j.Milestones {
		if m != nil && m.Amount != nil {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// Released is the sum of approved milestone amounts.
func (j *Job) Released() *big.Int {
	released := new(big.Int)
	for _, m := range j.Milestones {
		if m != nil && m.Approved && m.Amount != nil {
			released.Add(released, m.Amount)
		}
	}
	return released
}

func (j *Job) allApproved() bool {
	for _, m := range j.Milestones {
		if m == nil || !m.Approved {
			return false
		}
	}
	return len(j.Milestones) > 0
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
