package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"jobescrow/native/escrow"
	"jobescrow/storage"
)

var (
	errBalanceOverflow     = errors.New("state: balance overflow")
	errInsufficientReserve = errors.New("state: insufficient reserve")
	errNegativeAmount      = errors.New("state: amount must not be negative")
)

// Manager persists escrow ledger state in a key-value store. Keys are
// keccak256 hashes of a prefix and the record identity; values are RLP.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// storedMilestone and storedJob are the RLP layout of escrow records.
type storedMilestone struct {
	Amount        *big.Int
	SubmissionRef string
	Submitted     bool
	Approved      bool
	SubmittedAt   uint64
	ApprovedAt    uint64
}

type storedJob struct {
	ID           uint64
	Client       [20]byte
	Freelancer   [20]byte
	MetadataRef  string
	Milestones   []storedMilestone
	FundedAmount *big.Int
	BalanceHeld  *big.Int
	Status       uint8
	DisputedBy   [20]byte
	CreatedAt    uint64
	UpdatedAt    uint64
}

func newStoredJob(job *escrow.Job) *storedJob {
	stored := &storedJob{
		ID:           job.ID,
		Client:       job.Client,
		Freelancer:   job.Freelancer,
		MetadataRef:  job.MetadataRef,
		Milestones:   make([]storedMilestone, len(job.Milestones)),
		FundedAmount: nonNil(job.FundedAmount),
		BalanceHeld:  nonNil(job.BalanceHeld),
		Status:       uint8(job.Status),
		DisputedBy:   job.DisputedBy,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	for i, m := range job.Milestones {
		if m == nil {
			continue
		}
		stored.Milestones[i] = storedMilestone{
			Amount:        nonNil(m.Amount),
			SubmissionRef: m.SubmissionRef,
			Submitted:     m.Submitted,
			Approved:      m.Approved,
			SubmittedAt:   m.SubmittedAt,
			ApprovedAt:    m.ApprovedAt,
		}
	}
	return stored
}

func (s *storedJob) toJob() *escrow.Job {
	job := &escrow.Job{
		ID:           s.ID,
		Client:       s.Client,
		Freelancer:   s.Freelancer,
		MetadataRef:  s.MetadataRef,
		Milestones:   make([]*escrow.Milestone, len(s.Milestones)),
		FundedAmount: nonNil(s.FundedAmount),
		BalanceHeld:  nonNil(s.BalanceHeld),
		Status:       escrow.JobStatus(s.Status),
		DisputedBy:   s.DisputedBy,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	for i, m := range s.Milestones {
		job.Milestones[i] = &escrow.Milestone{
			Amount:        nonNil(m.Amount),
			SubmissionRef: m.SubmissionRef,
			Submitted:     m.Submitted,
			Approved:      m.Approved,
			SubmittedAt:   m.SubmittedAt,
			ApprovedAt:    m.ApprovedAt,
		}
	}
	return job
}

// KVGet reads and RLP-decodes a committed value. The boolean reports whether
// the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Begin opens a staged transaction for one ledger operation.
func (m *Manager) Begin() escrow.StateTxn {
	return newTxn(m)
}

// JobGet loads a committed job.
func (m *Manager) JobGet(id uint64) (*escrow.Job, bool, error) {
	return readJob(m.KVGet, id)
}

// JobCount returns the next job id, which equals the number of jobs created.
func (m *Manager) JobCount() (uint64, error) {
	return readCounter(m.KVGet)
}

// PayableBalance returns the committed payable balance of addr.
func (m *Manager) PayableBalance(addr [20]byte) (*big.Int, error) {
	return readAmount(m.KVGet, payableKey(addr))
}

// ReserveBalance returns the committed value held across all jobs.
func (m *Manager) ReserveBalance() (*big.Int, error) {
	return readAmount(m.KVGet, reserveKey)
}

type getter func(key []byte, out interface{}) (bool, error)

func readJob(get getter, id uint64) (*escrow.Job, bool, error) {
	stored := new(storedJob)
	ok, err := get(jobKey(id), stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.toJob(), true, nil
}

func readCounter(get getter) (uint64, error) {
	var next uint64
	if _, err := get(nextJobKey, &next); err != nil {
		return 0, err
	}
	return next, nil
}

func readAmount(get getter, key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := get(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func addAmount(current, delta *big.Int) (*big.Int, error) {
	if delta.Sign() < 0 || current.Sign() < 0 {
		return nil, errNegativeAmount
	}
	a, overflow := uint256.FromBig(current)
	if overflow {
		return nil, errBalanceOverflow
	}
	b, overflow := uint256.FromBig(delta)
	if overflow {
		return nil, errBalanceOverflow
	}
	sum, carry := new(uint256.Int).AddOverflow(a, b)
	if carry {
		return nil, errBalanceOverflow
	}
	return sum.ToBig(), nil
}

func subAmount(current, delta *big.Int) (*big.Int, error) {
	if delta.Sign() < 0 || current.Sign() < 0 {
		return nil, errNegativeAmount
	}
	a, overflow := uint256.FromBig(current)
	if overflow {
		return nil, errBalanceOverflow
	}
	b, overflow := uint256.FromBig(delta)
	if overflow {
		return nil, errBalanceOverflow
	}
	if a.Lt(b) {
		return nil, errInsufficientReserve
	}
	return new(uint256.Int).Sub(a, b).ToBig(), nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
