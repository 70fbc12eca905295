package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobescrow/core/types"
)

type payloadEvent struct{ evt *types.Event }

func (p payloadEvent) EventType() string    { return p.evt.Type }
func (p payloadEvent) Event() *types.Event { return p.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

type recordingSink struct {
	records []Record
	err     error
}

func (s *recordingSink) Append(rec Record) error {
	s.records = append(s.records, rec)
	return s.err
}

func newEvent(typ, key, value string) *types.Event {
	return &types.Event{Type: typ, Attributes: map[string]string{key: value}}
}

func TestLogSequencesAndChains(t *testing.T) {
	log := NewLog()
	log.SetNowFunc(func() time.Time { return time.Unix(1700000000, 0) })

	log.Emit(payloadEvent{newEvent("escrow.job.created", "jobId", "0")})
	log.Emit(payloadEvent{newEvent("escrow.job.funded", "jobId", "0")})
	log.Emit(bareEvent{})

	require.Equal(t, 2, log.Len())
	records := log.Since(0, 0)
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Sequence)
	require.Equal(t, uint64(2), records[1].Sequence)
	require.Equal(t, int64(1700000000), records[0].Timestamp)
	require.NotEqual(t, records[0].Hash, records[1].Hash)
	require.Equal(t, records[1].Hash, log.Head())
	require.NoError(t, log.Verify())
}

func TestLogVerifyDetectsTampering(t *testing.T) {
	log := NewLog()
	log.Append(newEvent("a", "k", "1"))
	log.Append(newEvent("b", "k", "2"))

	log.records[0].Attributes["k"] = "9"
	err := log.Verify()
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestLogSinceCursorAndLimit(t *testing.T) {
	log := NewLog()
	for i := 0; i < 5; i++ {
		log.Append(newEvent("e", "i", string(rune('0'+i))))
	}
	page := log.Since(2, 2)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].Sequence)
	require.Equal(t, uint64(4), page[1].Sequence)
	require.Empty(t, log.Since(5, 0))
	require.Empty(t, log.Since(42, 0))
}

func TestLogAppendCopiesAttributes(t *testing.T) {
	log := NewLog()
	evt := newEvent("e", "k", "v")
	log.Append(evt)
	evt.Attributes["k"] = "changed"
	require.Equal(t, "v", log.Since(0, 0)[0].Attributes["k"])
}

func TestLogSinksAndErrors(t *testing.T) {
	good := &recordingSink{}
	bad := &recordingSink{err: errors.New("disk full")}
	log := NewLog(good, bad)
	var reported []error
	log.SetErrorHandler(func(err error) { reported = append(reported, err) })

	log.Append(newEvent("e", "k", "v"))

	require.Len(t, good.records, 1)
	require.Len(t, bad.records, 1)
	require.Len(t, reported, 1)
	require.Contains(t, reported[0].Error(), "disk full")
}

func TestLogSubscribeBacklogThenLive(t *testing.T) {
	log := NewLog()
	log.Append(newEvent("first", "k", "1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop, backlog := log.Subscribe(ctx, 0)
	defer stop()
	require.Len(t, backlog, 1)
	require.Equal(t, "first", backlog[0].Type)

	log.Append(newEvent("second", "k", "2"))
	select {
	case rec := <-updates:
		require.Equal(t, "second", rec.Type)
		require.Equal(t, uint64(2), rec.Sequence)
	case <-time.After(time.Second):
		t.Fatalf("expected live record")
	}

	stop()
	_, ok := <-updates
	require.False(t, ok)
}

func TestLogSubscribeClosesOnContextDone(t *testing.T) {
	log := NewLog()
	ctx, cancel := context.WithCancel(context.Background())
	updates, _, _ := log.Subscribe(ctx, 0)
	cancel()
	select {
	case _, ok := <-updates:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
}

func TestLogRestoreContinuesChain(t *testing.T) {
	src := NewLog()
	src.Append(newEvent("a", "k", "1"))
	src.Append(newEvent("b", "k", "2"))
	archived := src.Since(0, 0)

	restored := NewLog()
	require.NoError(t, restored.Restore(archived))
	require.Equal(t, src.Head(), restored.Head())

	next := restored.Append(newEvent("c", "k", "3"))
	require.Equal(t, uint64(3), next.Sequence)
	require.Equal(t, src.Append(newEvent("c", "k", "3")).Hash, next.Hash)
	require.NoError(t, restored.Verify())

	require.ErrorIs(t, restored.Restore(archived), ErrRestoreNonEmpty)
}

func TestLogRestoreRejectsBrokenInput(t *testing.T) {
	src := NewLog()
	src.Append(newEvent("a", "k", "1"))
	src.Append(newEvent("b", "k", "2"))
	archived := src.Since(0, 0)

	tampered := append([]Record(nil), archived...)
	tampered[1].Attributes = map[string]string{"k": "forged"}
	require.True(t, errors.Is(NewLog().Restore(tampered), ErrChainBroken))

	require.Error(t, NewLog().Restore(archived[1:]))
	require.NoError(t, NewLog().Restore(nil))
}
