package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/limit-order-bot/withdraw-agent/internal/agent"
	"github.com/limit-order-bot/withdraw-agent/internal/outbound"
	"github.com/limit-order-bot/withdraw-agent/internal/secrets"
	"github.com/limit-order-bot/withdraw-agent/internal/statestore"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawabi"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

const usage = "usage: withdraw-admin <instantiate|update-config|job-id|encode|decode> [flags]"

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	ctx := context.Background()
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "instantiate":
		return runInstantiate(ctx, rest, stdout)
	case "update-config":
		return runUpdateConfig(ctx, rest, stdout)
	case "job-id":
		return runJobID(ctx, rest, stdout)
	case "encode":
		return runEncode(rest, stdin, stdout)
	case "decode":
		return runDecode(rest, stdin, stdout)
	default:
		return fmt.Errorf("unknown command %q; %s", cmd, usage)
	}
}

type storeFlags struct {
	driver      *string
	postgresDSN *string
	kvdbDir     *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		driver:      fs.String("state-driver", statestore.DriverPostgres, "state driver: postgres|kvdb|memory"),
		postgresDSN: fs.String("postgres-dsn", "env:WITHDRAW_AGENT_POSTGRES_DSN", "postgres DSN or secret reference (env:NAME|aws:SECRET_ID)"),
		kvdbDir:     fs.String("kvdb-dir", "", "directory for the kvdb state driver"),
	}
}

// openAgent opens the configured store and builds an agent over it. The returned
// closer releases the store.
func openAgent(ctx context.Context, sf storeFlags) (*agent.Agent, func(), error) {
	cfg := statestore.Config{Driver: *sf.driver, KVDBDir: *sf.kvdbDir}
	if strings.EqualFold(strings.TrimSpace(*sf.driver), statestore.DriverPostgres) {
		dsn, err := secrets.ResolveRef(ctx, *sf.postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve postgres dsn: %w", err)
		}
		cfg.PostgresDSN = dsn
	}
	h, err := statestore.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	// Admin operations never encode; the variant is irrelevant here.
	enc, err := withdrawabi.NewEncoder(withdrawbatch.VariantPlain)
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a, err := agent.New(agent.Config{}, h.Store, enc, log)
	if err != nil {
		h.Close()
		return nil, nil, err
	}
	return a, h.Close, nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func runInstantiate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("instantiate")
	sf := addStoreFlags(fs)
	sender := fs.String("sender", "", "identity recorded as owner (required)")
	jobID := fs.String("job-id", "", "job id attached to outbound instructions (required)")
	retryDelay := fs.Duration("retry-delay", 60*time.Second, "per-deposit cool-down")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sender == "" || *jobID == "" {
		return errors.New("--sender and --job-id are required")
	}

	a, closeFn, err := openAgent(ctx, sf)
	if err != nil {
		return err
	}
	defer closeFn()

	resp, err := a.Instantiate(ctx, agent.Env{Now: time.Now(), Sender: *sender}, agent.InstantiateMsg{
		JobID:      *jobID,
		RetryDelay: *retryDelay,
	})
	if err != nil {
		return err
	}
	return writeAttributes(stdout, resp)
}

func runUpdateConfig(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("update-config")
	sf := addStoreFlags(fs)
	sender := fs.String("sender", "", "caller identity; must match the current owner (required)")
	owner := fs.String("owner", "", "new owner")
	jobID := fs.String("job-id", "", "new job id")
	retryDelay := fs.Duration("retry-delay", 0, "new per-deposit cool-down")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sender == "" {
		return errors.New("--sender is required")
	}

	var msg agent.UpdateConfigMsg
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "owner":
			msg.Owner = owner
		case "job-id":
			msg.JobID = jobID
		case "retry-delay":
			msg.RetryDelay = retryDelay
		}
	})
	if msg.Owner == nil && msg.JobID == nil && msg.RetryDelay == nil {
		return errors.New("nothing to update; set --owner, --job-id or --retry-delay")
	}

	a, closeFn, err := openAgent(ctx, sf)
	if err != nil {
		return err
	}
	defer closeFn()

	resp, err := a.UpdateConfig(ctx, agent.Env{Now: time.Now(), Sender: *sender}, msg)
	if err != nil {
		return err
	}
	return writeAttributes(stdout, resp)
}

func runJobID(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("job-id")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, closeFn, err := openAgent(ctx, sf)
	if err != nil {
		return err
	}
	defer closeFn()

	jobID, err := a.JobID(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, jobID)
	return err
}

// runEncode encodes a request without admission. With --job-id it prints the full
// outbound instruction instead of the bare payload.
func runEncode(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("encode")
	variantFlag := fs.String("variant", "plain", "request shape: plain|min-amount|exit-flag")
	request := fs.String("request", "", "request JSON (default: stdin)")
	jobID := fs.String("job-id", "", "wrap the payload in an instruction for this job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc, err := encoderFor(*variantFlag)
	if err != nil {
		return err
	}

	body, err := readInput(*request, stdin)
	if err != nil {
		return err
	}
	req, err := withdrawbatch.Decode(body)
	if err != nil {
		return err
	}
	items, err := req.Items(enc.Variant())
	if err != nil {
		return err
	}
	payload, err := enc.Encode(items)
	if err != nil {
		return err
	}

	if *jobID == "" {
		_, err = fmt.Fprintln(stdout, hexutil.Encode(payload))
		return err
	}
	b, err := outbound.NewInstruction(*jobID, payload).Marshal()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

// runDecode accepts a 0x payload or an instruction JSON and prints the request it
// encodes.
func runDecode(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("decode")
	variantFlag := fs.String("variant", "plain", "request shape: plain|min-amount|exit-flag")
	input := fs.String("payload", "", "0x payload or instruction JSON (default: stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc, err := encoderFor(*variantFlag)
	if err != nil {
		return err
	}

	body, err := readInput(*input, stdin)
	if err != nil {
		return err
	}
	payload, err := parsePayload(string(body))
	if err != nil {
		return err
	}
	items, err := enc.Decode(payload)
	if err != nil {
		return err
	}
	req, err := withdrawbatch.FromItems(enc.Variant(), items)
	if err != nil {
		return err
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(b))
	return err
}

func encoderFor(v string) (*withdrawabi.Encoder, error) {
	variant, err := withdrawbatch.ParseVariant(v)
	if err != nil {
		return nil, fmt.Errorf("parse --variant: %w", err)
	}
	return withdrawabi.NewEncoder(variant)
}

func parsePayload(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		ins, err := outbound.DecodeInstruction([]byte(s))
		if err != nil {
			return nil, err
		}
		return ins.Payload, nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload hex: %w", err)
	}
	return b, nil
}

func readInput(inline string, stdin io.Reader) ([]byte, error) {
	if strings.TrimSpace(inline) != "" {
		return []byte(inline), nil
	}
	if stdin == nil {
		return nil, errors.New("input is required via flag or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, errors.New("input is required via flag or stdin")
	}
	return b, nil
}

func writeAttributes(w io.Writer, resp agent.Response) error {
	for _, a := range resp.Attributes {
		if _, err := fmt.Fprintf(w, "%s=%s\n", a.Key, a.Value); err != nil {
			return err
		}
	}
	return nil
}
