package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"jobescrow/core/events"
	"jobescrow/observability/logging"
)

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.Equal(t, codeParseError, rpcErr.Code)

	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("  ")))
	_, rpcErr = decodeRPCResponse(t, rec)
	require.Equal(t, codeInvalidRequest, rpcErr.Code)

	rec = env.call(t, "escrow_unknown", nil, callOptions{})
	require.Equal(t, http.StatusNotFound, rec.Code)
	_, rpcErr = decodeRPCResponse(t, rec)
	require.Equal(t, codeMethodNotFound, rpcErr.Code)

	big := strings.Repeat("a", maxRequestBytes+1)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	rec := env.call(t, "escrow_getReserve", nil, callOptions{})
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "fixed-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fixed-id", rec.Header().Get(requestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.call(t, "escrow_getReserve", nil, callOptions{})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "escrow_rpc_requests_total")
}

func TestAuthRequiredForWrites(t *testing.T) {
	env := newTestEnv(t, withAuth())
	params := map[string]interface{}{"freelancer": freelancerAddr, "metadataRef": "m", "milestones": []string{"1"}}

	rec := env.call(t, "escrow_createJob", params, callOptions{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.Equal(t, codeUnauthorized, rpcErr.Code)

	rec = env.call(t, "escrow_createJob", params, callOptions{token: "not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer, err := IssueToken([]byte(testJWTSecret), clientAddr, "someone-else", "unit-tests", time.Hour, time.Now())
	require.NoError(t, err)
	rec = env.call(t, "escrow_createJob", params, callOptions{token: wrongIssuer})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken([]byte(testJWTSecret), clientAddr, "rpc-tests", "unit-tests", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	rec = env.call(t, "escrow_createJob", params, callOptions{token: expired})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.call(t, "escrow_createJob", params, callOptions{token: testToken(t, clientAddr)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr)
	var created createJobResult
	require.NoError(t, json.Unmarshal(result, &created))
	require.Equal(t, clientAddr, created.Job.Client)

	// Reads stay public.
	rec = env.call(t, "escrow_getJob", map[string]interface{}{"jobId": created.ID}, callOptions{})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthCallerMustMatchSubject(t *testing.T) {
	env := newTestEnv(t, withAuth())
	params := map[string]interface{}{"caller": outsiderAddr, "freelancer": freelancerAddr, "metadataRef": "m", "milestones": []string{"1"}}
	rec := env.call(t, "escrow_createJob", params, callOptions{token: testToken(t, clientAddr)})
	require.Equal(t, http.StatusForbidden, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.Equal(t, codeEscrowForbidden, rpcErr.Code)
}

func TestIdempotentWriteReplays(t *testing.T) {
	env := newTestEnv(t)
	params := map[string]interface{}{"caller": clientAddr, "freelancer": freelancerAddr, "metadataRef": "m", "milestones": []string{"1"}}

	first := env.call(t, "escrow_createJob", params, callOptions{idempotencyKey: "create-1", id: 1})
	require.Equal(t, http.StatusOK, first.Code)
	second := env.call(t, "escrow_createJob", params, callOptions{idempotencyKey: "create-1", id: 2})
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))

	firstResult, _ := decodeRPCResponse(t, first)
	secondResult, _ := decodeRPCResponse(t, second)
	require.JSONEq(t, string(firstResult), string(secondResult))

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	require.EqualValues(t, 2, resp.ID)

	count, err := env.engine.JobCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)

	params["metadataRef"] = "changed"
	conflict := env.call(t, "escrow_createJob", params, callOptions{idempotencyKey: "create-1"})
	require.Equal(t, http.StatusConflict, conflict.Code)
	_, rpcErr := decodeRPCResponse(t, conflict)
	require.Equal(t, "idempotency_conflict", rpcErr.Message)

	// Rejections are replayed too.
	dispute := map[string]interface{}{"caller": outsiderAddr, "jobId": 0}
	rejected := env.call(t, "escrow_raiseDispute", dispute, callOptions{idempotencyKey: "d-1"})
	require.Equal(t, http.StatusForbidden, rejected.Code)
	again := env.call(t, "escrow_raiseDispute", dispute, callOptions{idempotencyKey: "d-1"})
	require.Equal(t, http.StatusForbidden, again.Code)
	require.Equal(t, "true", again.Header().Get("Idempotent-Replay"))
}

func TestConcurrentIdempotentWritesRunOnce(t *testing.T) {
	env := newTestEnv(t)
	params := map[string]interface{}{"caller": clientAddr, "freelancer": freelancerAddr, "metadataRef": "m", "milestones": []string{"1"}}

	const workers = 16
	recs := make([]*httptest.ResponseRecorder, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i] = env.call(t, "escrow_createJob", params, callOptions{idempotencyKey: "race-1", id: i + 1})
		}(i)
	}
	wg.Wait()

	replays := 0
	for _, rec := range recs {
		require.Equal(t, http.StatusOK, rec.Code)
		if rec.Header().Get("Idempotent-Replay") == "true" {
			replays++
		}
	}
	require.Equal(t, workers-1, replays)

	count, err := env.engine.JobCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestIdempotencyKeyIsFingerprintedInLogs(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, withLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	params := map[string]interface{}{"caller": clientAddr, "freelancer": freelancerAddr, "metadataRef": "m", "milestones": []string{"1"}}

	const key = "client-secret-key-42"
	require.Equal(t, http.StatusOK, env.call(t, "escrow_createJob", params, callOptions{idempotencyKey: key}).Code)
	require.Equal(t, http.StatusOK, env.call(t, "escrow_createJob", params, callOptions{idempotencyKey: key}).Code)

	out := buf.String()
	require.Contains(t, out, "idempotent replay")
	require.Contains(t, out, logging.Fingerprint(key))
	require.NotContains(t, out, key)
}

func TestRateLimitRejectsBurst(t *testing.T) {
	env := newTestEnv(t, withRateLimit(0.001, 2))
	for i := 0; i < 2; i++ {
		rec := env.call(t, "escrow_getReserve", nil, callOptions{})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.call(t, "escrow_getReserve", nil, callOptions{})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	_, rpcErr := decodeRPCResponse(t, rec)
	require.Equal(t, codeRateLimited, rpcErr.Code)
}

func TestEventStreamBacklogThenLive(t *testing.T) {
	env := newTestEnv(t)
	createFundedJob(t, env, "1")

	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?cursor=1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readRecord := func() events.Record {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var rec events.Record
		require.NoError(t, json.Unmarshal(data, &rec))
		return rec
	}

	backlog := readRecord()
	require.Equal(t, uint64(2), backlog.Sequence)
	require.Equal(t, "escrow.job.funded", backlog.Type)

	env.call(t, "escrow_raiseDispute", map[string]interface{}{"caller": clientAddr, "jobId": 0}, callOptions{})
	live := readRecord()
	require.Equal(t, uint64(3), live.Sequence)
	require.Equal(t, "escrow.dispute.raised", live.Type)
	require.Equal(t, clientAddr, live.Attributes["raisedBy"])
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/events?cursor=abc", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
