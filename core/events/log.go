package events

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"jobescrow/core/types"
)

const subscriberBuffer = 64

// ErrChainBroken is returned by Verify when a record hash does not match its
// recomputed value.
var ErrChainBroken = errors.New("events: hash chain broken")

// Record is an event that has been sequenced by a Log. Sequences start at 1.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Hash       string            `json:"hash"`
	Timestamp  int64             `json:"timestamp"`
}

// EventType implements Event.
func (r Record) EventType() string { return r.Type }

// Event returns the record body as a typed event.
func (r Record) Event() *types.Event {
	evt := &types.Event{Type: r.Type, Attributes: r.Attributes}
	return evt.Clone()
}

// Log is an append-only, hash-chained event log. It implements Emitter so the
// escrow engine can write to it directly.
type Log struct {
	mu      sync.RWMutex
	records []Record
	head    [32]byte
	subs    map[uint64]chan Record
	nextSub uint64
	sinks   []Sink
	onError func(error)
	nowFn   func() time.Time
}

// NewLog constructs an empty log forwarding every record to the given sinks.
func NewLog(sinks ...Sink) *Log {
	return &Log{
		subs:  make(map[uint64]chan Record),
		sinks: append([]Sink(nil), sinks...),
		nowFn: time.Now,
	}
}

// SetErrorHandler installs a callback invoked when a sink rejects a record.
func (l *Log) SetErrorHandler(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// SetNowFunc overrides the clock used for record timestamps.
func (l *Log) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.nowFn = fn
	l.mu.Unlock()
}

// Emit appends the event. Events that do not carry a payload are ignored.
func (l *Log) Emit(evt Event) {
	payload, ok := evt.(Payload)
	if !ok {
		return
	}
	body := payload.Event()
	if body == nil {
		return
	}
	l.Append(body)
}

// Append sequences the event, links it into the hash chain and fans it out.
func (l *Log) Append(evt *types.Event) Record {
	l.mu.Lock()
	body := evt.Clone()
	if body.Attributes == nil {
		body.Attributes = map[string]string{}
	}
	l.head = chainHash(l.head, body)
	rec := Record{
		Sequence:   uint64(len(l.records)) + 1,
		Type:       body.Type,
		Attributes: body.Attributes,
		Hash:       hex.EncodeToString(l.head[:]),
		Timestamp:  l.nowFn().Unix(),
	}
	l.records = append(l.records, rec)
	for id, ch := range l.subs {
		select {
		case ch <- rec:
		default:
			// Slow subscriber: drop it rather than block the ledger.
			close(ch)
			delete(l.subs, id)
		}
	}
	sinks := l.sinks
	onError := l.onError
	l.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Append(rec); err != nil && onError != nil {
			onError(fmt.Errorf("events: sink append seq %d: %w", rec.Sequence, err))
		}
	}
	return rec
}

// ErrRestoreNonEmpty is returned when Restore is called on a log that already
// holds records.
var ErrRestoreNonEmpty = errors.New("events: restore into non-empty log")

// Restore seeds an empty log with previously archived records. Records must be
// contiguous from sequence 1 and their hash chain must verify. Sinks are not
// invoked.
func (l *Log) Restore(records []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) != 0 {
		return ErrRestoreNonEmpty
	}
	var head [32]byte
	restored := make([]Record, 0, len(records))
	for i, rec := range records {
		if rec.Sequence != uint64(i)+1 {
			return fmt.Errorf("events: restore gap: want sequence %d, got %d", i+1, rec.Sequence)
		}
		body := &types.Event{Type: rec.Type, Attributes: rec.Attributes}
		head = chainHash(head, body)
		if hex.EncodeToString(head[:]) != rec.Hash {
			return fmt.Errorf("%w at sequence %d", ErrChainBroken, rec.Sequence)
		}
		rec.Attributes = body.Clone().Attributes
		if rec.Attributes == nil {
			rec.Attributes = map[string]string{}
		}
		restored = append(restored, rec)
	}
	l.records = restored
	l.head = head
	return nil
}

// Len reports the number of records in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Head returns the latest chain hash in hex, or an empty string for an empty log.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return ""
	}
	return hex.EncodeToString(l.head[:])
}

// Since returns up to limit records with a sequence greater than cursor. A
// non-positive limit returns everything.
func (l *Log) Since(cursor uint64, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sinceLocked(cursor, limit)
}

func (l *Log) sinceLocked(cursor uint64, limit int) []Record {
	if cursor >= uint64(len(l.records)) {
		return nil
	}
	out := l.records[cursor:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Record(nil), out...)
}

// Subscribe returns the backlog after cursor and a channel receiving every
// later record. The channel is closed when ctx ends, cancel is called, or the
// subscriber falls too far behind.
func (l *Log) Subscribe(ctx context.Context, cursor uint64) (<-chan Record, func(), []Record) {
	ch := make(chan Record, subscriberBuffer)
	l.mu.Lock()
	backlog := l.sinceLocked(cursor, 0)
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			l.mu.Lock()
			if existing, ok := l.subs[id]; ok {
				close(existing)
				delete(l.subs, id)
			}
			l.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, backlog
}

// Verify recomputes the hash chain over every record.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var head [32]byte
	for _, rec := range l.records {
		head = chainHash(head, &types.Event{Type: rec.Type, Attributes: rec.Attributes})
		if hex.EncodeToString(head[:]) != rec.Hash {
			return fmt.Errorf("%w at sequence %d", ErrChainBroken, rec.Sequence)
		}
	}
	return nil
}

func chainHash(prev [32]byte, evt *types.Event) [32]byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, prev[:]...)
	buf = append(buf, evt.Type...)
	buf = append(buf, 0)
	for _, key := range evt.SortedKeys() {
		buf = append(buf, key...)
		buf = append(buf, '=')
		buf = append(buf, evt.Attributes[key]...)
		buf = append(buf, 0)
	}
	return blake3.Sum256(buf)
}
