package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/limit-order-bot/withdraw-agent/internal/blobstore"
	"github.com/limit-order-bot/withdraw-agent/internal/metrics"
	"github.com/limit-order-bot/withdraw-agent/internal/queue"
)

var ErrInvalidConfig = errors.New("outbound: invalid config")

const headerVersion = "version"

// Sink delivers an instruction. Implementations must tolerate redelivery of the same
// instruction.
type Sink interface {
	Deliver(ctx context.Context, ins Instruction) error
}

// QueueSink publishes instructions keyed by instruction id.
type QueueSink struct {
	producer queue.Producer
	topic    string
}

func NewQueueSink(producer queue.Producer, topic string) (*QueueSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	return &QueueSink{producer: producer, topic: strings.TrimSpace(topic)}, nil
}

func (s *QueueSink) Deliver(ctx context.Context, ins Instruction) error {
	b, err := ins.Marshal()
	if err != nil {
		return fmt.Errorf("outbound/queue: marshal: %w", err)
	}
	rec := queue.Record{
		Topic:   s.topic,
		Key:     []byte(ins.InstructionID.Hex()),
		Value:   b,
		Headers: []queue.Header{{Key: headerVersion, Value: []byte(ins.Version)}},
	}
	if err := s.producer.Publish(ctx, rec); err != nil {
		return fmt.Errorf("outbound/queue: publish %s: %w", ins.InstructionID, err)
	}
	return nil
}

// BlobSink archives each instruction once under instructions/<jobId>/<instructionId>.json.
type BlobSink struct {
	store blobstore.Store
}

func NewBlobSink(store blobstore.Store) (*BlobSink, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil blob store", ErrInvalidConfig)
	}
	return &BlobSink{store: store}, nil
}

func ArchiveKey(ins Instruction) string {
	return "instructions/" + url.PathEscape(ins.JobID) + "/" + ins.InstructionID.Hex() + ".json"
}

func (s *BlobSink) Deliver(ctx context.Context, ins Instruction) error {
	b, err := ins.Marshal()
	if err != nil {
		return fmt.Errorf("outbound/blob: marshal: %w", err)
	}
	err = s.store.PutIfAbsent(ctx, ArchiveKey(ins), b, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"version": ins.Version,
			"job-id":  ins.JobID,
		},
	})
	if err != nil && !errors.Is(err, blobstore.ErrExists) {
		return fmt.Errorf("outbound/blob: archive %s: %w", ins.InstructionID, err)
	}
	return nil
}

// NamedSink labels a sink for metrics and logs.
type NamedSink struct {
	Name string
	Sink Sink
}

// Fanout delivers to every sink and joins the failures.
type Fanout struct {
	sinks   []NamedSink
	metrics *metrics.Metrics
}

func NewFanout(m *metrics.Metrics, sinks ...NamedSink) (*Fanout, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("%w: no sinks", ErrInvalidConfig)
	}
	for _, s := range sinks {
		if s.Sink == nil || strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("%w: unnamed or nil sink", ErrInvalidConfig)
		}
	}
	return &Fanout{sinks: append([]NamedSink(nil), sinks...), metrics: m}, nil
}

func (f *Fanout) Deliver(ctx context.Context, ins Instruction) error {
	var errs []error
	for _, s := range f.sinks {
		err := s.Sink.Deliver(ctx, ins)
		f.metrics.ObserveDelivery(s.Name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
