// Package agent wires admission, encoding and state into the withdraw agent entry points.
//
// Every entry point runs to completion under one lock and either commits all of its
// writes or none of them.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/limit-order-bot/withdraw-agent/internal/admission"
	"github.com/limit-order-bot/withdraw-agent/internal/idempotency"
	"github.com/limit-order-bot/withdraw-agent/internal/metrics"
	"github.com/limit-order-bot/withdraw-agent/internal/state"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawabi"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

const (
	ActionMultipleWithdraw = "multiple_withdraw"
	MethodInstantiate      = "instantiate"
	MethodUpdateConfig     = "update_config"
)

var (
	ErrInvalidConfig   = errors.New("agent: invalid config")
	ErrInvalidEnv      = errors.New("agent: invalid env")
	ErrUnauthorized    = errors.New("agent: unauthorized")
	ErrNotInstantiated = errors.New("agent: not instantiated")

	ErrAllPending        = admission.ErrAllPending
	ErrInvalidParameters = withdrawbatch.ErrInvalidParameters
)

// Env is supplied by the host for each invocation.
type Env struct {
	Now    time.Time
	Sender string
}

type InstantiateMsg struct {
	JobID      string
	RetryDelay time.Duration
}

// UpdateConfigMsg changes only the fields that are set.
type UpdateConfigMsg struct {
	Owner      *string
	JobID      *string
	RetryDelay *time.Duration
}

type Attribute struct {
	Key   string
	Value string
}

// Instruction is the outbound record produced by a successful PutWithdraw. ID is the
// idempotency.InstructionIDV1 of JobID and Payload.
type Instruction struct {
	ID      common.Hash
	JobID   string
	Payload []byte
}

type Response struct {
	Messages   []Instruction
	Attributes []Attribute
}

// Attr returns the value of the first attribute named key.
func (r Response) Attr(key string) (string, bool) {
	for _, a := range r.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

type Config struct {
	Metrics *metrics.Metrics
}

type Agent struct {
	mu sync.Mutex

	store   state.Store
	enc     *withdrawabi.Encoder
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(cfg Config, store state.Store, enc *withdrawabi.Encoder, log *slog.Logger) (*Agent, error) {
	if store == nil || enc == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Agent{
		store:   store,
		enc:     enc,
		metrics: cfg.Metrics,
		log:     log,
	}, nil
}

// Variant reports the request shape this agent accepts.
func (a *Agent) Variant() withdrawbatch.Variant { return a.enc.Variant() }

func (a *Agent) Instantiate(ctx context.Context, env Env, msg InstantiateMsg) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.instantiate(ctx, env, msg)
	a.metrics.ObserveInvocation(MethodInstantiate, resultLabel(err))
	return resp, err
}

func (a *Agent) instantiate(ctx context.Context, env Env, msg InstantiateMsg) (Response, error) {
	if env.Sender == "" {
		return Response{}, fmt.Errorf("%w: missing sender", ErrInvalidEnv)
	}

	cfg := state.Config{
		Owner:      env.Sender,
		JobID:      msg.JobID,
		RetryDelay: msg.RetryDelay,
	}
	if err := a.store.InitConfig(ctx, cfg); err != nil {
		return Response{}, fmt.Errorf("agent: instantiate: %w", err)
	}

	a.log.Info("agent instantiated", "owner", cfg.Owner, "job_id", cfg.JobID, "retry_delay", cfg.RetryDelay)
	return Response{Attributes: []Attribute{
		{Key: "method", Value: MethodInstantiate},
		{Key: "owner", Value: cfg.Owner},
		{Key: "job_id", Value: cfg.JobID},
	}}, nil
}

// PutWithdraw admits the batch, encodes the accepted items and commits their attempt
// records together with the instruction in the outbox. It returns exactly one
// instruction on success.
func (a *Agent) PutWithdraw(ctx context.Context, env Env, msg withdrawbatch.PutWithdraw) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.putWithdraw(ctx, env, msg)
	a.metrics.ObserveInvocation(ActionMultipleWithdraw, resultLabel(err))
	return resp, err
}

func (a *Agent) putWithdraw(ctx context.Context, env Env, msg withdrawbatch.PutWithdraw) (Response, error) {
	if env.Now.IsZero() {
		return Response{}, fmt.Errorf("%w: missing time", ErrInvalidEnv)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return Response{}, err
	}

	items, err := msg.Items(a.enc.Variant())
	if err != nil {
		return Response{}, err
	}

	res, err := admission.Admit(ctx, a.store, env.Now, cfg.RetryDelay, items)
	a.metrics.ObserveAdmission(len(res.Accepted), res.Suppressed)
	if err != nil {
		if errors.Is(err, admission.ErrAllPending) {
			a.log.Debug("withdraw batch suppressed", "items", len(items))
		}
		return Response{}, err
	}

	payload, err := a.enc.Encode(res.Accepted)
	if err != nil {
		return Response{}, fmt.Errorf("agent: encode: %w", err)
	}

	ins := Instruction{
		ID:      idempotency.InstructionIDV1(cfg.JobID, payload),
		JobID:   cfg.JobID,
		Payload: payload,
	}
	pending := state.Pending{ID: ins.ID, JobID: ins.JobID, Payload: ins.Payload, CreatedAt: env.Now}
	if err := a.store.CommitWithdraw(ctx, res.Writes, pending); err != nil {
		return Response{}, fmt.Errorf("agent: commit withdraw: %w", err)
	}
	a.metrics.ObservePayload(len(payload))

	a.log.Info("withdraw batch accepted",
		"accepted", len(res.Accepted),
		"suppressed", res.Suppressed,
		"job_id", cfg.JobID,
		"payload_bytes", len(payload),
		"instruction_id", ins.ID,
	)
	return Response{
		Messages:   []Instruction{ins},
		Attributes: []Attribute{{Key: "action", Value: ActionMultipleWithdraw}},
	}, nil
}

// Outbox returns up to limit committed instructions not yet marked delivered, oldest
// first. Every successful PutWithdraw leaves its instruction here until MarkDelivered.
func (a *Agent) Outbox(ctx context.Context, limit int) ([]Instruction, error) {
	pending, err := a.store.ListPending(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: list outbox: %w", err)
	}
	out := make([]Instruction, 0, len(pending))
	for _, p := range pending {
		out = append(out, Instruction{ID: p.ID, JobID: p.JobID, Payload: p.Payload})
	}
	return out, nil
}

func (a *Agent) MarkDelivered(ctx context.Context, id common.Hash) error {
	if err := a.store.DeletePending(ctx, id); err != nil {
		return fmt.Errorf("agent: mark delivered %s: %w", id, err)
	}
	return nil
}

func (a *Agent) JobID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return "", err
	}
	return cfg.JobID, nil
}

// UpdateConfig is restricted to the current owner.
func (a *Agent) UpdateConfig(ctx context.Context, env Env, msg UpdateConfigMsg) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp, err := a.updateConfig(ctx, env, msg)
	a.metrics.ObserveInvocation(MethodUpdateConfig, resultLabel(err))
	return resp, err
}

func (a *Agent) updateConfig(ctx context.Context, env Env, msg UpdateConfigMsg) (Response, error) {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return Response{}, err
	}
	if env.Sender != cfg.Owner {
		return Response{}, ErrUnauthorized
	}

	next := cfg
	if msg.Owner != nil {
		next.Owner = *msg.Owner
	}
	if msg.JobID != nil {
		next.JobID = *msg.JobID
	}
	if msg.RetryDelay != nil {
		next.RetryDelay = *msg.RetryDelay
	}
	if err := a.store.UpdateConfig(ctx, next); err != nil {
		return Response{}, fmt.Errorf("agent: update config: %w", err)
	}

	a.log.Info("agent config updated", "owner", next.Owner, "job_id", next.JobID, "retry_delay", next.RetryDelay)
	return Response{Attributes: []Attribute{
		{Key: "method", Value: MethodUpdateConfig},
		{Key: "owner", Value: next.Owner},
		{Key: "job_id", Value: next.JobID},
	}}, nil
}

func (a *Agent) loadConfig(ctx context.Context) (state.Config, error) {
	cfg, err := a.store.GetConfig(ctx)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.Config{}, ErrNotInstantiated
		}
		return state.Config{}, fmt.Errorf("agent: load config: %w", err)
	}
	return cfg, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAllPending):
		return "all_pending"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotInstantiated):
		return "not_instantiated"
	case errors.Is(err, state.ErrAlreadyInitialized):
		return "already_initialized"
	case errors.Is(err, state.ErrInvalidConfig), errors.Is(err, ErrInvalidEnv):
		return "invalid_input"
	default:
		return "error"
	}
}
