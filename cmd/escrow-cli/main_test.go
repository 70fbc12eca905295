package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"jobescrow/archive"
	"jobescrow/core/events"
	"jobescrow/core/types"
	"jobescrow/crypto"
)

type recordedCall struct {
	method string
	params map[string]interface{}
	write  bool
	token  string
	idem   string
}

func stubRPC(t *testing.T, result string, rpcErr *rpcError) *[]recordedCall {
	t.Helper()
	calls := &[]recordedCall{}
	original := escrowCall
	escrowCall = func(s *session, method string, params interface{}, write bool) (json.RawMessage, *rpcError, error) {
		rec := recordedCall{method: method, write: write, token: s.token, idem: s.idempotencyKey}
		if params != nil {
			raw, err := json.Marshal(params)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(raw, &rec.params))
		}
		*calls = append(*calls, rec)
		return json.RawMessage(result), rpcErr, nil
	}
	t.Cleanup(func() { escrowCall = original })
	return calls
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := runCommand(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageAndUnknownCommand(t *testing.T) {
	code, _, stderr := run()
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage:")

	code, _, stderr = run("frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unknown command: frobnicate")

	code, _, stderr = run("-o", "xml", "job")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--output must be json or yaml")
}

func TestCreateSendsMilestones(t *testing.T) {
	calls := stubRPC(t, `{"id":0}`, nil)
	code, stdout, stderr := run("--token", "jwt", "--idempotency-key", "k1",
		"create", "--freelancer", "esc1abc", "--meta", "ipfs://brief", "--milestones", "1, 2")
	require.Equal(t, 0, code, stderr)
	require.JSONEq(t, `{"id":0}`, stdout)
	require.Len(t, *calls, 1)
	call := (*calls)[0]
	require.Equal(t, "escrow_createJob", call.method)
	require.True(t, call.write)
	require.Equal(t, "jwt", call.token)
	require.Equal(t, "k1", call.idem)
	require.Equal(t, []interface{}{"1", "2"}, call.params["milestones"])
	require.NotContains(t, call.params, "caller")
}

func TestWriteCommandsBuildParams(t *testing.T) {
	cases := []struct {
		args   []string
		method string
		params map[string]interface{}
	}{
		{[]string{"fund", "--job", "3", "--amount", "10", "--caller", "esc1c"}, "escrow_fundEscrow",
			map[string]interface{}{"jobId": float64(3), "amount": "10", "caller": "esc1c"}},
		{[]string{"submit", "--job", "3", "--index", "1", "--ref", "ipfs://m1"}, "escrow_submitMilestone",
			map[string]interface{}{"jobId": float64(3), "index": float64(1), "submissionRef": "ipfs://m1"}},
		{[]string{"approve", "--job", "3", "--index", "1"}, "escrow_approveMilestone",
			map[string]interface{}{"jobId": float64(3), "index": float64(1)}},
		{[]string{"dispute", "--job", "3"}, "escrow_raiseDispute",
			map[string]interface{}{"jobId": float64(3)}},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			calls := stubRPC(t, `{}`, nil)
			code, _, stderr := run(tc.args...)
			require.Equal(t, 0, code, stderr)
			require.Len(t, *calls, 1)
			require.Equal(t, tc.method, (*calls)[0].method)
			require.True(t, (*calls)[0].write)
			require.Equal(t, tc.params, (*calls)[0].params)
		})
	}
}

func TestReadCommandsAndErrors(t *testing.T) {
	calls := stubRPC(t, `{"events":[],"nextCursor":4}`, nil)
	code, _, stderr := run("events", "--job", "2", "--cursor", "4")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "escrow_listEvents", (*calls)[0].method)
	require.False(t, (*calls)[0].write)
	require.Equal(t, float64(2), (*calls)[0].params["jobId"])

	code, _, stderr = run("submit", "--job", "1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "--ref is required")

	stubRPC(t, ``, &rpcError{Code: -32023, Message: "Only client can approve"})
	code, _, stderr = run("approve", "--job", "1")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "RPC error -32023: Only client can approve")
}

func TestYAMLOutput(t *testing.T) {
	stubRPC(t, `{"id":7,"status":"funded"}`, nil)
	code, stdout, stderr := run("-o=yaml", "job", "--job", "7")
	require.Equal(t, 0, code, stderr)
	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &decoded))
	require.Equal(t, "funded", decoded["status"])
	require.Equal(t, 7, decoded["id"])
}

func TestKeygenAndTokenFromKeystore(t *testing.T) {
	origPass, origSecret := keystorePassphrase, jwtSecret
	keystorePassphrase = func() (string, error) { return "correct horse", nil }
	jwtSecret = func() (string, error) { return "cli-secret", nil }
	t.Cleanup(func() { keystorePassphrase, jwtSecret = origPass, origSecret })

	path := filepath.Join(t.TempDir(), "key.json")
	code, stdout, stderr := run("keygen", "--out", path)
	require.Equal(t, 0, code, stderr)
	var keygen map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &keygen))
	_, err := crypto.ParseEscrowAddress(keygen["address"])
	require.NoError(t, err)
	require.FileExists(t, path)

	code, stdout, stderr = run("token", "--key", path, "--audience", "escrow", "--ttl", "10m")
	require.Equal(t, 0, code, stderr)
	var minted map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &minted))
	require.Equal(t, keygen["address"], minted["subject"])

	parsed, err := jwt.Parse(minted["token"], func(*jwt.Token) (interface{}, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	sub, err := parsed.Claims.GetSubject()
	require.NoError(t, err)
	require.Equal(t, keygen["address"], sub)

	code, _, stderr = run("token")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "exactly one of --subject or --key")
}

func TestExportWritesParquet(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "events.db")
	store, err := archive.Open("sqlite", dsn)
	require.NoError(t, err)
	log := events.NewLog(store)
	log.SetNowFunc(func() time.Time { return time.Unix(1700000000, 0) })
	log.Append(&types.Event{Type: "escrow.job.created", Attributes: map[string]string{"jobId": "0"}})
	require.NoError(t, store.Close())

	out := filepath.Join(dir, "events.parquet")
	code, stdout, stderr := run("export", "--dsn", dsn, "--out", out)
	require.Equal(t, 0, code, stderr)
	require.True(t, strings.Contains(stdout, `"rows": 1`), stdout)
	info, err := os.Stat(out)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}
