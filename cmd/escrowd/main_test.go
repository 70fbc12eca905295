package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobescrow/archive"
	"jobescrow/core/events"
	"jobescrow/core/types"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "escrow.toml")
	body := fmt.Sprintf(`ListenAddress = "127.0.0.1:0"
DataDir = %q
MaxConnections = 8

[Storage]
Backend = "bolt"

[Archive]
Driver = "sqlite"

[Auth]
Enabled = false

[RateLimit]
RequestsPerSecond = 10.0
Burst = 20

[Log]
Env = "test"
Level = "debug"
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	var logs bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfgPath, &logs) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.FileExists(t, filepath.Join(dir, "data", "ledger.bolt"))
	require.FileExists(t, filepath.Join(dir, "data", "events.db"))
	require.FileExists(t, filepath.Join(dir, "data", "idempotency.db"))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = \"nope\"\n"), 0o600))
	err := run(context.Background(), path, &bytes.Buffer{})
	require.ErrorContains(t, err, "listen address")
}

func TestRestoreEventsFromArchive(t *testing.T) {
	store, err := archive.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	original := events.NewLog(store)
	original.Append(&types.Event{Type: "escrow.job.created", Attributes: map[string]string{"jobId": "0"}})
	original.Append(&types.Event{Type: "escrow.job.funded", Attributes: map[string]string{"jobId": "0"}})

	restored := events.NewLog(store)
	require.NoError(t, restoreEvents(context.Background(), restored, store))
	require.Equal(t, 2, restored.Len())
	require.Equal(t, original.Head(), restored.Head())

	next := restored.Append(&types.Event{Type: "escrow.dispute.raised", Attributes: map[string]string{"jobId": "0"}})
	require.Equal(t, uint64(3), next.Sequence)
	all, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
}
