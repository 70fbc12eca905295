package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/netutil"

	"jobescrow/archive"
	"jobescrow/core/events"
	"jobescrow/crypto"
	"jobescrow/native/escrow"
	"jobescrow/observability"
	"jobescrow/observability/logging"
	telemetry "jobescrow/observability/otel"
)

const (
	maxRequestBytes   = 1 << 20 // 1 MiB
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	requestIDHeader   = "X-Request-ID"
)

// Ledger is the escrow surface served over JSON-RPC. *escrow.Engine
// satisfies it.
type Ledger interface {
	CreateJob(client, freelancer [20]byte, metadataRef string, amounts []*big.Int) (uint64, error)
	FundEscrow(caller [20]byte, id uint64, amount *big.Int) (*escrow.Job, error)
	SubmitMilestone(caller [20]byte, id uint64, index int, submissionRef string) (*escrow.Job, error)
	ApproveMilestone(caller [20]byte, id uint64, index int) (*escrow.Job, error)
	RaiseDispute(caller [20]byte, id uint64) (*escrow.Job, error)
	Job(id uint64) (*escrow.Job, error)
	PayableBalance(addr [20]byte) (*big.Int, error)
	ReserveBalance() (*big.Int, error)
}

// EventArchive answers historical event queries. *archive.Store satisfies it.
type EventArchive interface {
	List(ctx context.Context, q archive.Query) ([]events.Record, error)
}

// ServerConfig wires the server's collaborators and limits.
type ServerConfig struct {
	Auth           AuthConfig
	RateLimit      RateLimit
	MaxConnections int
	Idempotency    *IdempotencyStore
	Archive        EventArchive
	Logger         *slog.Logger
}

type Server struct {
	ledger  Ledger
	log     *events.Log
	archive EventArchive
	idem    *IdempotencyStore
	keys    *keyLocks
	auth    *authenticator
	limiter *rateLimiter
	logger  *slog.Logger
	maxConn int
	handler http.Handler
}

type contextKey string

const requestIDContextKey contextKey = "rpc.requestId"

func NewServer(ledger Ledger, log *events.Log, cfg ServerConfig) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if log == nil {
		return nil, errors.New("rpc: event log required")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.Secret) == "" {
		return nil, errSecretMissing
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ledger:  ledger,
		log:     log,
		archive: cfg.Archive,
		idem:    cfg.Idempotency,
		keys:    newKeyLocks(),
		auth:    newAuthenticator(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  logger.With("component", "rpc"),
		maxConn: cfg.MaxConnections,
	}
	s.handler = otelhttp.NewHandler(s.routes(), "escrow-rpc")
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.limiter.middleware).Get("/ws/events", s.handleEventsWS)
	r.With(s.limiter.middleware).Post("/", s.handle)
	return r
}

// Handler exposes the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConn > 0 {
		ln = netutil.LimitListener(ln, s.maxConn)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("json-rpc server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("rpc: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

func writeError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	w.WriteHeader(rpcErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// handle is the JSON-RPC entry point.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, nil, newRPCError(status, codeInvalidRequest, message, err.Error()))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, nil, newRPCError(http.StatusBadRequest, codeInvalidRequest, "request body required", nil))
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, nil, newRPCError(http.StatusBadRequest, codeParseError, "invalid JSON payload", err.Error()))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, req.ID, newRPCError(http.StatusBadRequest, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC))
		return
	}
	if req.Method == "" {
		writeError(w, req.ID, newRPCError(http.StatusBadRequest, codeInvalidRequest, "method required", nil))
		return
	}

	ctx, span := telemetry.Tracer().Start(r.Context(), "rpc."+req.Method)
	defer span.End()
	span.SetAttributes(attribute.String("rpc.method", req.Method))
	r = r.WithContext(ctx)

	status := s.dispatch(w, r, req)

	if status >= http.StatusBadRequest {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	observability.RPC().Observe(req.Method, status, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	if write, ok := writeMethods[req.Method]; ok {
		return s.serveWrite(w, r, req, write)
	}
	read, ok := readMethods[req.Method]
	if !ok {
		rpcErr := newRPCError(http.StatusNotFound, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		writeError(w, req.ID, rpcErr)
		return rpcErr.HTTPStatus()
	}
	result, rpcErr := read(s, r, req)
	if rpcErr != nil {
		writeError(w, req.ID, rpcErr)
		return rpcErr.HTTPStatus()
	}
	writeResult(w, req.ID, result)
	return http.StatusOK
}

// serveWrite authenticates the caller, replays stored responses for a reused
// idempotency key and stores the outcome of new requests.
func (s *Server) serveWrite(w http.ResponseWriter, r *http.Request, req *RPCRequest, handler writeHandler) int {
	params, rpcErr := singleParam(req)
	if rpcErr != nil {
		writeError(w, req.ID, rpcErr)
		return rpcErr.HTTPStatus()
	}
	caller, rpcErr := s.resolveCaller(r, params)
	if rpcErr != nil {
		writeError(w, req.ID, rpcErr)
		return rpcErr.HTTPStatus()
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	callerStr := crypto.FromRaw(caller).String()
	hash := requestHash(append([]byte(req.Method+"\x00"), params...))
	if key != "" && s.idem != nil {
		unlock := s.keys.lock(callerStr + "\x00" + key)
		defer unlock()
		stored, err := s.idem.Lookup(r.Context(), callerStr, key, hash)
		switch {
		case errors.Is(err, ErrIdempotencyMismatch):
			s.logger.Warn("idempotency key reused with different request",
				"method", req.Method,
				"requestId", requestIDFrom(r.Context()),
				"idempotencyKey", logging.Fingerprint(key))
			rpcErr := newRPCError(http.StatusConflict, codeEscrowConflict, "idempotency_conflict", err.Error())
			writeError(w, req.ID, rpcErr)
			return rpcErr.HTTPStatus()
		case err != nil:
			s.logger.Error("idempotency lookup failed", "requestId", requestIDFrom(r.Context()), "error", err)
			rpcErr := newRPCError(http.StatusInternalServerError, codeEscrowInternal, "internal_error", nil)
			writeError(w, req.ID, rpcErr)
			return rpcErr.HTTPStatus()
		case stored != nil:
			s.logger.Info("idempotent replay",
				"method", req.Method,
				"requestId", requestIDFrom(r.Context()),
				"idempotencyKey", logging.Fingerprint(key))
			return replay(w, req.ID, stored)
		}
	}

	var resp RPCResponse
	status := http.StatusOK
	result, rpcErr := handler(s, caller, params)
	if rpcErr != nil {
		status = rpcErr.HTTPStatus()
		resp = RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Error: rpcErr}
		s.logger.Warn("rpc write rejected",
			"method", req.Method,
			"requestId", requestIDFrom(r.Context()),
			"code", rpcErr.Code,
			"reason", rpcErr.Message)
	} else {
		resp = RPCResponse{JSONRPC: jsonRPCVersion, ID: req.ID, Result: result}
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		rpcErr := newRPCError(http.StatusInternalServerError, codeEscrowInternal, "internal_error", err.Error())
		writeError(w, req.ID, rpcErr)
		return rpcErr.HTTPStatus()
	}
	if key != "" && s.idem != nil && status < http.StatusInternalServerError {
		if err := s.idem.Save(r.Context(), callerStr, key, hash, status, encoded); err != nil {
			s.logger.Error("idempotency save failed",
				"requestId", requestIDFrom(r.Context()),
				"idempotencyKey", logging.Fingerprint(key),
				"error", err)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(append(encoded, '\n'))
	return status
}

// replay re-sends a stored response under the current request id.
func replay(w http.ResponseWriter, id interface{}, stored *StoredResponse) int {
	var resp RPCResponse
	if err := json.Unmarshal(stored.Body, &resp); err != nil {
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
		return stored.Status
	}
	resp.ID = id
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(stored.Status)
	_ = json.NewEncoder(w).Encode(resp)
	return stored.Status
}

// resolveCaller returns the authenticated caller. With auth disabled the
// caller is read from the params' caller field.
func (s *Server) resolveCaller(r *http.Request, params json.RawMessage) ([20]byte, *RPCError) {
	var zero [20]byte
	var claimed struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &claimed); err != nil {
		return zero, invalidParams(err.Error())
	}
	if !s.auth.cfg.Enabled {
		if strings.TrimSpace(claimed.Caller) == "" {
			return zero, invalidParams("caller required")
		}
		addr, err := crypto.ParseEscrowAddress(claimed.Caller)
		if err != nil {
			return zero, invalidParams(err.Error())
		}
		return addr.Raw(), nil
	}
	caller, err := s.auth.caller(r)
	if err != nil {
		observability.RPC().RecordThrottle("unauthorized")
		return zero, newRPCError(http.StatusUnauthorized, codeUnauthorized, "unauthorized", err.Error())
	}
	if strings.TrimSpace(claimed.Caller) != "" {
		addr, err := crypto.ParseEscrowAddress(claimed.Caller)
		if err != nil {
			return zero, invalidParams(err.Error())
		}
		if addr.Raw() != caller {
			return zero, newRPCError(http.StatusForbidden, codeEscrowForbidden, "caller does not match token subject", nil)
		}
	}
	return caller, nil
}

func singleParam(req *RPCRequest) (json.RawMessage, *RPCError) {
	if len(req.Params) != 1 {
		return nil, invalidParams("exactly one parameter object expected")
	}
	return req.Params[0], nil
}
