package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	rpcURLEnv   = "ESCROW_RPC_URL"
	rpcTokenEnv = "ESCROW_TOKEN"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// session carries the global flags shared by every subcommand.
type session struct {
	endpoint       string
	token          string
	output         string
	idempotencyKey string
	stdout         io.Writer
	stderr         io.Writer
}

var (
	cliNow     = time.Now
	escrowCall = callEscrowRPC
	httpClient = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	os.Exit(runCommand(os.Args[1:], os.Stdout, os.Stderr))
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	s := &session{
		endpoint: defaultRPCEndpoint(),
		token:    strings.TrimSpace(os.Getenv(rpcTokenEnv)),
		output:   "json",
		stdout:   stdout,
		stderr:   stderr,
	}
	rest, err := s.applyGlobalFlags(args)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if s.output != "json" && s.output != "yaml" {
		return printError(stderr, "--output must be json or yaml")
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch rest[0] {
	case "keygen":
		return s.runKeygen(rest[1:])
	case "token":
		return s.runToken(rest[1:])
	case "create":
		return s.runCreate(rest[1:])
	case "fund":
		return s.runFund(rest[1:])
	case "submit":
		return s.runSubmit(rest[1:])
	case "approve":
		return s.runApprove(rest[1:])
	case "dispute":
		return s.runDispute(rest[1:])
	case "job":
		return s.runJob(rest[1:])
	case "balance":
		return s.runBalance(rest[1:])
	case "reserve":
		return s.runReserve(rest[1:])
	case "events":
		return s.runEvents(rest[1:])
	case "export":
		return s.runExport(rest[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return "http://127.0.0.1:8545"
}

// applyGlobalFlags strips --rpc, --token, --output/-o and --idempotency-key
// from anywhere in args.
func (s *session) applyGlobalFlags(args []string) ([]string, error) {
	targets := map[string]*string{
		"--rpc":             &s.endpoint,
		"--token":           &s.token,
		"--output":          &s.output,
		"-o":                &s.output,
		"--idempotency-key": &s.idempotencyKey,
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if name, value, ok := strings.Cut(arg, "="); ok {
			if dst, known := targets[name]; known {
				*dst = value
				continue
			}
		}
		if dst, known := targets[arg]; known {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			*dst = args[i+1]
			i++
			continue
		}
		out = append(out, arg)
	}
	s.output = strings.ToLower(strings.TrimSpace(s.output))
	return out, nil
}

func callEscrowRPC(s *session, method string, params interface{}, write bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if write {
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}
		if s.idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", s.idempotencyKey)
		}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// call performs the RPC and prints the result, returning the exit code.
func (s *session) call(method string, params interface{}, write bool) int {
	result, rpcErr, err := escrowCall(s, method, params, write)
	if err != nil {
		fmt.Fprintf(s.stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(s.stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		return 1
	}
	if err := s.writeResult(result); err != nil {
		return printError(s.stderr, err.Error())
	}
	return 0
}

func (s *session) writeResult(result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if s.output == "yaml" {
		var decoded interface{}
		if err := json.Unmarshal(result, &decoded); err != nil {
			return err
		}
		encoded, err := yaml.Marshal(decoded)
		if err != nil {
			return err
		}
		_, err = s.stdout.Write(encoded)
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err := s.stdout.Write(pretty.Bytes())
	return err
}

// writeValue prints a locally produced value in the selected format.
func (s *session) writeValue(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeResult(raw)
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] [--token JWT] [-o json|yaml] [--idempotency-key KEY] <command> [flags]

Commands:
  keygen   Generate a key and write an encrypted keystore file
  token    Mint an HS256 access token for an address
  create   Create a job with milestone amounts (caller is the client)
  fund     Fund a job's escrow with the exact milestone total
  submit   Submit a milestone as the freelancer
  approve  Approve a submitted milestone as the client
  dispute  Raise a dispute on a job
  job      Fetch a job by id
  balance  Show the payable balance of an address
  reserve  Show the total value held in escrow
  events   List ledger events from a cursor
  export   Export archived events to a parquet file
`)
}
