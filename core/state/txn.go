package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"jobescrow/native/escrow"
)

var errTxnClosed = errors.New("state: transaction already closed")

// Txn stages writes in memory and applies them in one storage batch on
// Commit. Reads see the transaction's own writes first.
type Txn struct {
	m      *Manager
	writes map[string][]byte
	closed bool
}

func newTxn(m *Manager) *Txn {
	return &Txn{m: m, writes: make(map[string][]byte)}
}

func (t *Txn) get(key []byte, out interface{}) (bool, error) {
	if t.closed {
		return false, errTxnClosed
	}
	if data, ok := t.writes[string(key)]; ok {
		if out == nil {
			return true, nil
		}
		if err := rlp.DecodeBytes(data, out); err != nil {
			return false, err
		}
		return true, nil
	}
	return t.m.KVGet(key, out)
}

func (t *Txn) put(key []byte, value interface{}) error {
	if t.closed {
		return errTxnClosed
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.writes[string(key)] = encoded
	return nil
}

// NextJobID allocates the next sequential id.
func (t *Txn) NextJobID() (uint64, error) {
	next, err := readCounter(t.get)
	if err != nil {
		return 0, err
	}
	if err := t.put(nextJobKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *Txn) JobGet(id uint64) (*escrow.Job, bool, error) {
	return readJob(t.get, id)
}

func (t *Txn) JobPut(job *escrow.Job) error {
	if job == nil {
		return fmt.Errorf("state: nil job")
	}
	return t.put(jobKey(job.ID), newStoredJob(job))
}

// ReserveCredit adds amount to the value held in escrow.
func (t *Txn) ReserveCredit(amount *big.Int) error {
	current, err := readAmount(t.get, reserveKey)
	if err != nil {
		return err
	}
	next, err := addAmount(current, nonNil(amount))
	if err != nil {
		return err
	}
	return t.put(reserveKey, next)
}

// ReserveDebit removes amount from the value held in escrow.
func (t *Txn) ReserveDebit(amount *big.Int) error {
	current, err := readAmount(t.get, reserveKey)
	if err != nil {
		return err
	}
	next, err := subAmount(current, nonNil(amount))
	if err != nil {
		return err
	}
	return t.put(reserveKey, next)
}

// PayableCredit adds amount to the payable balance of addr.
func (t *Txn) PayableCredit(addr [20]byte, amount *big.Int) error {
	key := payableKey(addr)
	current, err := readAmount(t.get, key)
	if err != nil {
		return err
	}
	next, err := addAmount(current, nonNil(amount))
	if err != nil {
		return err
	}
	return t.put(key, next)
}

// Commit writes every staged value in a single batch.
func (t *Txn) Commit() error {
	if t.closed {
		return errTxnClosed
	}
	batch := t.m.db.NewBatch()
	for key, value := range t.writes {
		batch.Put([]byte(key), value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit batch: %w", err)
	}
	t.closed = true
	t.writes = nil
	return nil
}

// Discard drops staged writes. Safe to call after Commit.
func (t *Txn) Discard() {
	t.closed = true
	t.writes = nil
}
