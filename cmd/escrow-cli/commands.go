package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"jobescrow/archive"
	"jobescrow/cmd/internal/passphrase"
	"jobescrow/config"
	"jobescrow/crypto"
	"jobescrow/rpc"
)

const keystorePassphraseEnv = "ESCROW_KEYSTORE_PASSPHRASE"

var (
	keystorePassphrase = func() (string, error) {
		return passphrase.NewSource(keystorePassphraseEnv, "keystore passphrase").Get()
	}
	jwtSecret = func() (string, error) {
		return passphrase.NewSource(config.JWTSecretEnv, "JWT signing secret").Get()
	}
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(fs.Output(), "Error: unexpected positional arguments")
		return false
	}
	return true
}

func (s *session) runKeygen(args []string) int {
	fs := newFlagSet("keygen", s.stderr)
	var out string
	fs.StringVar(&out, "out", "escrow.key.json", "keystore file to write")
	if !parseFlags(fs, args) {
		return 1
	}
	pass, err := keystorePassphrase()
	if err != nil {
		return printError(s.stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(s.stderr, err.Error())
	}
	if err := crypto.SaveKey(out, key, pass); err != nil {
		return printError(s.stderr, err.Error())
	}
	if err := s.writeValue(map[string]string{"address": key.PubKey().Address().String(), "keystore": out}); err != nil {
		return printError(s.stderr, err.Error())
	}
	return 0
}

func (s *session) runToken(args []string) int {
	fs := newFlagSet("token", s.stderr)
	var (
		subject  string
		keyFile  string
		issuer   string
		audience string
		ttl      time.Duration
	)
	fs.StringVar(&subject, "subject", "", "caller address the token authenticates")
	fs.StringVar(&keyFile, "key", "", "keystore file whose address becomes the subject")
	fs.StringVar(&issuer, "issuer", "escrowd", "iss claim")
	fs.StringVar(&audience, "audience", "", "optional aud claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args) {
		return 1
	}
	if (subject == "") == (keyFile == "") {
		return printError(s.stderr, "exactly one of --subject or --key is required")
	}
	if keyFile != "" {
		pass, err := keystorePassphrase()
		if err != nil {
			return printError(s.stderr, err.Error())
		}
		key, err := crypto.LoadKey(keyFile, pass)
		if err != nil {
			return printError(s.stderr, err.Error())
		}
		subject = key.PubKey().Address().String()
	}
	addr, err := crypto.ParseEscrowAddress(subject)
	if err != nil {
		return printError(s.stderr, fmt.Sprintf("--subject: %v", err))
	}
	secret, err := jwtSecret()
	if err != nil {
		return printError(s.stderr, err.Error())
	}
	token, err := rpc.IssueToken([]byte(secret), addr.String(), issuer, audience, ttl, cliNow())
	if err != nil {
		return printError(s.stderr, err.Error())
	}
	if err := s.writeValue(map[string]string{"subject": addr.String(), "token": token}); err != nil {
		return printError(s.stderr, err.Error())
	}
	return 0
}

// callerFlag registers --caller, only needed when the server runs without auth.
func callerFlag(fs *flag.FlagSet) *string {
	return fs.String("caller", "", "caller address (servers with auth disabled)")
}

func withCaller(params map[string]interface{}, caller string) map[string]interface{} {
	if caller = strings.TrimSpace(caller); caller != "" {
		params["caller"] = caller
	}
	return params
}

func (s *session) runCreate(args []string) int {
	fs := newFlagSet("create", s.stderr)
	caller := callerFlag(fs)
	var (
		freelancer string
		metadata   string
		milestones string
	)
	fs.StringVar(&freelancer, "freelancer", "", "freelancer address")
	fs.StringVar(&metadata, "meta", "", "metadata reference")
	fs.StringVar(&milestones, "milestones", "", "comma separated milestone amounts")
	if !parseFlags(fs, args) {
		return 1
	}
	if freelancer == "" {
		return printError(s.stderr, "--freelancer is required")
	}
	if strings.TrimSpace(milestones) == "" {
		return printError(s.stderr, "--milestones is required")
	}
	parts := strings.Split(milestones, ",")
	amounts := make([]string, 0, len(parts))
	for _, part := range parts {
		amounts = append(amounts, strings.TrimSpace(part))
	}
	return s.call("escrow_createJob", withCaller(map[string]interface{}{
		"freelancer":  freelancer,
		"metadataRef": metadata,
		"milestones":  amounts,
	}, *caller), true)
}

func (s *session) runFund(args []string) int {
	fs := newFlagSet("fund", s.stderr)
	caller := callerFlag(fs)
	var (
		id     uint64
		amount string
	)
	fs.Uint64Var(&id, "job", 0, "job id")
	fs.StringVar(&amount, "amount", "", "amount to fund; must equal the milestone total")
	if !parseFlags(fs, args) {
		return 1
	}
	if amount == "" {
		return printError(s.stderr, "--amount is required")
	}
	return s.call("escrow_fundEscrow", withCaller(map[string]interface{}{"jobId": id, "amount": amount}, *caller), true)
}

func (s *session) runSubmit(args []string) int {
	fs := newFlagSet("submit", s.stderr)
	caller := callerFlag(fs)
	var (
		id    uint64
		index int
		ref   string
	)
	fs.Uint64Var(&id, "job", 0, "job id")
	fs.IntVar(&index, "index", 0, "milestone index")
	fs.StringVar(&ref, "ref", "", "submission reference")
	if !parseFlags(fs, args) {
		return 1
	}
	if strings.TrimSpace(ref) == "" {
		return printError(s.stderr, "--ref is required")
	}
	return s.call("escrow_submitMilestone", withCaller(map[string]interface{}{
		"jobId": id, "index": index, "submissionRef": ref,
	}, *caller), true)
}

func (s *session) runApprove(args []string) int {
	fs := newFlagSet("approve", s.stderr)
	caller := callerFlag(fs)
	var (
		id    uint64
		index int
	)
	fs.Uint64Var(&id, "job", 0, "job id")
	fs.IntVar(&index, "index", 0, "milestone index")
	if !parseFlags(fs, args) {
		return 1
	}
	return s.call("escrow_approveMilestone", withCaller(map[string]interface{}{"jobId": id, "index": index}, *caller), true)
}

func (s *session) runDispute(args []string) int {
	fs := newFlagSet("dispute", s.stderr)
	caller := callerFlag(fs)
	var id uint64
	fs.Uint64Var(&id, "job", 0, "job id")
	if !parseFlags(fs, args) {
		return 1
	}
	return s.call("escrow_raiseDispute", withCaller(map[string]interface{}{"jobId": id}, *caller), true)
}

func (s *session) runJob(args []string) int {
	fs := newFlagSet("job", s.stderr)
	var id uint64
	fs.Uint64Var(&id, "job", 0, "job id")
	if !parseFlags(fs, args) {
		return 1
	}
	return s.call("escrow_getJob", map[string]interface{}{"jobId": id}, false)
}

func (s *session) runBalance(args []string) int {
	fs := newFlagSet("balance", s.stderr)
	var address string
	fs.StringVar(&address, "address", "", "address to query")
	if !parseFlags(fs, args) {
		return 1
	}
	if address == "" {
		return printError(s.stderr, "--address is required")
	}
	return s.call("escrow_getBalance", map[string]interface{}{"address": address}, false)
}

func (s *session) runReserve(args []string) int {
	fs := newFlagSet("reserve", s.stderr)
	if !parseFlags(fs, args) {
		return 1
	}
	return s.call("escrow_getReserve", nil, false)
}

func (s *session) runEvents(args []string) int {
	fs := newFlagSet("events", s.stderr)
	var (
		job    int64
		typ    string
		cursor uint64
		limit  int
	)
	fs.Int64Var(&job, "job", -1, "only events for this job id")
	fs.StringVar(&typ, "type", "", "only events of this type")
	fs.Uint64Var(&cursor, "cursor", 0, "return events after this sequence")
	fs.IntVar(&limit, "limit", 100, "maximum number of events")
	if !parseFlags(fs, args) {
		return 1
	}
	params := map[string]interface{}{"cursor": cursor, "limit": limit}
	if job >= 0 {
		params["jobId"] = job
	}
	if typ != "" {
		params["type"] = typ
	}
	return s.call("escrow_listEvents", params, false)
}

// runExport reads the archive database directly and writes a parquet file.
func (s *session) runExport(args []string) int {
	fs := newFlagSet("export", s.stderr)
	var (
		driver string
		dsn    string
		out    string
	)
	fs.StringVar(&driver, "driver", "sqlite", "archive driver (sqlite or postgres)")
	fs.StringVar(&dsn, "dsn", "", "archive DSN or sqlite path")
	fs.StringVar(&out, "out", "events.parquet", "parquet file to write")
	if !parseFlags(fs, args) {
		return 1
	}
	if dsn == "" {
		return printError(s.stderr, "--dsn is required")
	}
	store, err := archive.Open(driver, dsn)
	if err != nil {
		return printError(s.stderr, err.Error())
	}
	defer func() { _ = store.Close() }()
	n, err := store.ExportParquet(context.Background(), out)
	if err != nil {
		return printError(s.stderr, err.Error())
	}
	if err := s.writeValue(map[string]interface{}{"file": out, "rows": n}); err != nil {
		return printError(s.stderr, err.Error())
	}
	return 0
}
