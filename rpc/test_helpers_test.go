package rpc

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/crypto"
	"jobescrow/native/escrow"
	"jobescrow/storage"
)

const testJWTSecret = "rpc-test-secret"

type testEnv struct {
	server *Server
	engine *escrow.Engine
	log    *events.Log
	idem   *IdempotencyStore
}

type envOption func(*ServerConfig)

func withAuth() envOption {
	return func(cfg *ServerConfig) {
		cfg.Auth = AuthConfig{Enabled: true, Secret: testJWTSecret, Issuer: "rpc-tests", Audience: "unit-tests"}
	}
}

func withRateLimit(perSecond float64, burst int) envOption {
	return func(cfg *ServerConfig) {
		cfg.RateLimit = RateLimit{RequestsPerSecond: perSecond, Burst: burst}
	}
}

func withLogger(logger *slog.Logger) envOption {
	return func(cfg *ServerConfig) {
		cfg.Logger = logger
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	engine := escrow.NewEngine()
	engine.SetState(state.NewManager(storage.NewMemDB()))
	log := events.NewLog()
	engine.SetEmitter(log)

	idem, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idempotency.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idem.Close() })

	cfg := ServerConfig{Idempotency: idem}
	for _, opt := range opts {
		opt(&cfg)
	}
	server, err := NewServer(engine, log, cfg)
	require.NoError(t, err)
	return &testEnv{server: server, engine: engine, log: log, idem: idem}
}

func testAddress(fill byte) string {
	var raw [20]byte
	for i := range raw {
		raw[i] = fill
	}
	return crypto.FromRaw(raw).String()
}

func testToken(t *testing.T, subject string) string {
	t.Helper()
	token, err := IssueToken([]byte(testJWTSecret), subject, "rpc-tests", "unit-tests", time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

type callOptions struct {
	token          string
	idempotencyKey string
	id             interface{}
}

func (env *testEnv) call(t *testing.T, method string, params interface{}, opts callOptions) *httptest.ResponseRecorder {
	t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: opts.id}
	if req.ID == nil {
		req.ID = 1
	}
	if params != nil {
		req.Params = []json.RawMessage{marshalParam(t, params)}
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if opts.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+opts.token)
	}
	if opts.idempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, opts.idempotencyKey)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httpReq)
	return rec
}

func decodeRPCResponse(t *testing.T, rec *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp.Result, resp.Error
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) jobJSON {
	t.Helper()
	result, rpcErr := decodeRPCResponse(t, rec)
	require.Nil(t, rpcErr, "unexpected rpc error: %+v", rpcErr)
	var job jobJSON
	require.NoError(t, json.Unmarshal(result, &job))
	return job
}
