package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/limit-order-bot/withdraw-agent/internal/agent"
	"github.com/limit-order-bot/withdraw-agent/internal/batching"
	"github.com/limit-order-bot/withdraw-agent/internal/outbound"
	"github.com/limit-order-bot/withdraw-agent/internal/queue"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

const (
	defaultRetryBackoff = 200 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
	defaultOutboxBatch  = 64
)

type envelope struct {
	Version string `json:"version"`
}

type pendingAttempt struct {
	item withdrawbatch.Item
	msg  queue.Message
}

type workerConfig struct {
	CallTimeout time.Duration
	AckTimeout  time.Duration

	// RetryBackoff is the first wait after a failed agent call; it doubles up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// OutboxBatch bounds instructions delivered per drain.
	OutboxBatch int

	Now func() time.Time
}

// worker turns queue messages into agent invocations. A message is acked once its
// request is settled: committed (the instruction then sits in the outbox until a sink
// takes it), suppressed by the cool-down, or rejected as malformed. Agent calls that fail
// for any other reason are retried until they settle or ctx ends, so acks never skip
// past an unsettled message.
type worker struct {
	agent   *agent.Agent
	sink    outbound.Sink
	batcher *batching.Batcher[pendingAttempt]
	cfg     workerConfig
	log     *slog.Logger
}

func newWorker(a *agent.Agent, sink outbound.Sink, b *batching.Batcher[pendingAttempt], cfg workerConfig, log *slog.Logger) (*worker, error) {
	if a == nil || sink == nil || b == nil || log == nil {
		return nil, errors.New("worker: nil dependency")
	}
	if cfg.CallTimeout <= 0 || cfg.AckTimeout <= 0 {
		return nil, errors.New("worker: timeouts must be > 0")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.RetryBackoff)
	}
	if cfg.OutboxBatch <= 0 {
		cfg.OutboxBatch = defaultOutboxBatch
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &worker{agent: a, sink: sink, batcher: b, cfg: cfg, log: log}, nil
}

func (w *worker) handleMessage(ctx context.Context, msg queue.Message) {
	line := bytes.TrimSpace(msg.Value)
	if len(line) == 0 {
		w.ack(msg)
		return
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		w.log.Error("parse input json", "topic", msg.Topic, "err", err)
		w.ack(msg)
		return
	}

	switch env.Version {
	case withdrawbatch.PutWithdrawVersionV1, "":
		req, err := withdrawbatch.Decode(line)
		if err != nil {
			w.log.Warn("reject withdraw request", "err", err)
			w.ack(msg)
			return
		}
		// Buffered attempts arrived first; settle them first so acks stay in order.
		w.flushAll(ctx)
		if w.submit(ctx, req) {
			w.ack(msg)
		}

	case withdrawbatch.AttemptVersionV1:
		var a withdrawbatch.Attempt
		if err := json.Unmarshal(line, &a); err != nil {
			w.log.Warn("reject withdraw attempt", "err", err)
			w.ack(msg)
			return
		}
		it, err := a.Item(w.agent.Variant())
		if err != nil {
			w.log.Warn("reject withdraw attempt", "deposit_id", a.DepositID, "err", err)
			w.ack(msg)
			return
		}
		if batch, ok := w.batcher.Add(pendingAttempt{item: it, msg: msg}); ok {
			w.submitBatch(ctx, batch)
		}

	default:
		w.log.Warn("unsupported message version", "version", env.Version)
		w.ack(msg)
	}
}

// flushDeadline reports when the buffered attempts become due.
func (w *worker) flushDeadline() (time.Time, bool) {
	return w.batcher.Deadline()
}

// flushDue submits the buffered attempts once the oldest one has aged out.
func (w *worker) flushDue(ctx context.Context) {
	if batch, ok := w.batcher.FlushDue(); ok {
		w.submitBatch(ctx, batch)
	}
}

func (w *worker) flushAll(ctx context.Context) {
	if batch, ok := w.batcher.Flush(); ok {
		w.submitBatch(ctx, batch)
	}
}

// dropPending discards buffered attempts without acking them and returns their deposit
// ids.
func (w *worker) dropPending() []uint32 {
	batch, ok := w.batcher.Flush()
	if !ok {
		return nil
	}
	ids := make([]uint32, 0, len(batch.Items))
	for _, p := range batch.Items {
		ids = append(ids, p.item.DepositID)
	}
	return ids
}

// shutdown submits buffered attempts and drains the outbox on a context detached from
// the cancelled run context.
func (w *worker) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if n := w.batcher.Len(); n > 0 {
		w.log.Info("flushing pending attempts", "count", n)
	}
	w.flushAll(ctx)
	w.drainOutbox(ctx)
}

func (w *worker) submitBatch(ctx context.Context, batch batching.Batch[pendingAttempt]) {
	items := make([]withdrawbatch.Item, 0, len(batch.Items))
	for _, p := range batch.Items {
		items = append(items, p.item)
	}
	req, err := withdrawbatch.FromItems(w.agent.Variant(), items)
	if err != nil {
		// Items were validated on arrival.
		w.log.Error("build withdraw request", "items", len(items), "err", err)
		w.ackAll(batch)
		return
	}
	if w.submit(ctx, req) {
		w.ackAll(batch)
	}
}

// submit invokes the agent and hands the committed instruction to the sinks. It reports
// whether the request is settled; false means ctx ended first.
func (w *worker) submit(ctx context.Context, req withdrawbatch.PutWithdraw) bool {
	backoff := w.cfg.RetryBackoff
	for {
		resp, err := w.call(ctx, req)
		switch {
		case err == nil:
			for _, ins := range resp.Messages {
				if err := w.deliver(ctx, ins); err != nil {
					w.log.Warn("deliver instruction; kept in outbox", "instruction_id", ins.ID, "err", err)
				}
			}
			return true
		case errors.Is(err, agent.ErrAllPending):
			w.log.Debug("withdraw request suppressed")
			return true
		case errors.Is(err, agent.ErrInvalidParameters):
			w.log.Warn("reject withdraw request", "err", err)
			return true
		}

		w.log.Error("put withdraw; retrying", "backoff", backoff, "err", err)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		backoff = min(2*backoff, w.cfg.MaxBackoff)
	}
}

func (w *worker) call(ctx context.Context, req withdrawbatch.PutWithdraw) (agent.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.agent.PutWithdraw(cctx, agent.Env{Now: w.cfg.Now()}, req)
}

// deliver sends one instruction to the sinks and removes it from the outbox. Sinks
// dedupe by instruction id, so repeating a delivery is safe.
func (w *worker) deliver(ctx context.Context, ins agent.Instruction) error {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	out := outbound.NewInstruction(ins.JobID, ins.Payload)
	if err := w.sink.Deliver(cctx, out); err != nil {
		return err
	}
	if err := w.agent.MarkDelivered(cctx, out.InstructionID); err != nil {
		return err
	}
	w.log.Info("instruction delivered", "instruction_id", out.InstructionID, "job_id", out.JobID, "payload_bytes", len(out.Payload))
	return nil
}

// drainOutbox delivers committed instructions oldest first and stops at the first
// failure. It returns how many were delivered.
func (w *worker) drainOutbox(ctx context.Context) int {
	pending, err := w.agent.Outbox(ctx, w.cfg.OutboxBatch)
	if err != nil {
		w.log.Error("list outbox", "err", err)
		return 0
	}
	delivered := 0
	for _, ins := range pending {
		if err := w.deliver(ctx, ins); err != nil {
			w.log.Warn("deliver instruction from outbox", "instruction_id", ins.ID, "remaining", len(pending)-delivered, "err", err)
			break
		}
		delivered++
	}
	return delivered
}

func (w *worker) ackAll(batch batching.Batch[pendingAttempt]) {
	for _, p := range batch.Items {
		w.ack(p.msg)
	}
}

func (w *worker) ack(msg queue.Message) {
	ackMessage(msg, w.cfg.AckTimeout, w.log)
}

func ackMessage(msg queue.Message, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
