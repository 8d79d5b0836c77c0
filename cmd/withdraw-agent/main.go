package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/limit-order-bot/withdraw-agent/internal/agent"
	"github.com/limit-order-bot/withdraw-agent/internal/batching"
	"github.com/limit-order-bot/withdraw-agent/internal/blobstore"
	"github.com/limit-order-bot/withdraw-agent/internal/leader"
	leaderpg "github.com/limit-order-bot/withdraw-agent/internal/leader/postgres"
	"github.com/limit-order-bot/withdraw-agent/internal/metrics"
	"github.com/limit-order-bot/withdraw-agent/internal/outbound"
	"github.com/limit-order-bot/withdraw-agent/internal/queue"
	"github.com/limit-order-bot/withdraw-agent/internal/secrets"
	"github.com/limit-order-bot/withdraw-agent/internal/state"
	"github.com/limit-order-bot/withdraw-agent/internal/statestore"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawabi"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

func main() {
	var (
		variantFlag = flag.String("variant", "plain", "request shape: plain|min-amount|exit-flag")

		stateDriver = flag.String("state-driver", statestore.DriverPostgres, "state driver: postgres|kvdb|memory")
		postgresDSN = flag.String("postgres-dsn", "env:WITHDRAW_AGENT_POSTGRES_DSN", "postgres DSN or secret reference (env:NAME|aws:SECRET_ID)")
		kvdbDir     = flag.String("kvdb-dir", "", "directory for the kvdb state driver")

		initJobID      = flag.String("init-job-id", "", "instantiate the agent with this job id if it has no config yet")
		initRetryDelay = flag.Duration("init-retry-delay", 60*time.Second, "retry delay used with --init-job-id")
		initOwner      = flag.String("init-owner", "", "owner used with --init-job-id")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
		queueBrokers  = flag.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
		queueGroup    = flag.String("queue-group", "withdraw-agent", "queue consumer group (required for kafka)")
		queueTopics   = flag.String("queue-topics", "withdraw.requests.v1", "comma-separated request topics")
		maxLineBytes  = flag.Int("max-line-bytes", 1<<20, "maximum stdin line size for stdio driver (bytes)")
		queueMaxBytes = flag.Int("queue-max-bytes", 10<<20, "maximum kafka message size for consumer reads (bytes)")
		ackTimeout    = flag.Duration("queue-ack-timeout", 5*time.Second, "timeout for queue message acknowledgements")

		outDriver = flag.String("out-driver", queue.DriverKafka, "instruction producer driver: kafka|stdio")
		outTopic  = flag.String("out-topic", "withdraw.instructions.v1", "instruction topic")

		blobDriver = flag.String("blob-driver", "", "instruction archive driver: s3|memory (empty disables)")
		blobBucket = flag.String("blob-bucket", "", "s3 bucket for the instruction archive")
		blobPrefix = flag.String("blob-prefix", "", "key prefix for the instruction archive")
		s3Region   = flag.String("s3-region", "", "s3 region override")
		s3Endpoint = flag.String("s3-endpoint", "", "s3-compatible endpoint override")

		batchMaxItems = flag.Int("batch-max-items", batching.DefaultMaxItems, "max single attempts coalesced into one request")
		batchMaxAge   = flag.Duration("batch-max-age", batching.DefaultMaxAge, "max age of a partial attempt batch")
		tickInterval  = flag.Duration("tick-interval", 250*time.Millisecond, "leadership check interval")
		callTimeout   = flag.Duration("call-timeout", 30*time.Second, "timeout for one agent invocation or delivery")

		outboxInterval = flag.Duration("outbox-interval", 5*time.Second, "interval between outbox delivery retries")
		outboxBatch    = flag.Int("outbox-batch", defaultOutboxBatch, "max outbox instructions delivered per pass")

		leaderElection = flag.Bool("leader-election", true, "only process requests while holding the agent lease (required with postgres state)")
		leaseName      = flag.String("lease-name", "withdraw-agent", "lease name for leader election")
		leaseTTL       = flag.Duration("lease-ttl", 15*time.Second, "lease TTL for leader election")
		owner          = flag.String("owner", "", "unique replica id for leader election (default: hostname)")

		metricsAddr = flag.String("metrics-addr", ":9464", "listen address for /metrics (empty disables)")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	variant, err := withdrawbatch.ParseVariant(*variantFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse --variant: %v\n", err)
		os.Exit(2)
	}
	if *maxLineBytes <= 0 || *queueMaxBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-line-bytes and --queue-max-bytes must be > 0")
		os.Exit(2)
	}
	if *ackTimeout <= 0 || *tickInterval <= 0 || *callTimeout <= 0 || *leaseTTL <= 0 || *outboxInterval <= 0 {
		fmt.Fprintln(os.Stderr, "error: durations must be > 0")
		os.Exit(2)
	}
	if *outboxBatch <= 0 {
		fmt.Fprintln(os.Stderr, "error: --outbox-batch must be > 0")
		os.Exit(2)
	}
	if err := validateDeployment(*stateDriver, *leaderElection); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *initJobID != "" && (*initOwner == "" || *initRetryDelay < 0) {
		fmt.Fprintln(os.Stderr, "error: --init-job-id requires --init-owner and a non-negative --init-retry-delay")
		os.Exit(2)
	}
	if strings.TrimSpace(*outTopic) == "" {
		fmt.Fprintln(os.Stderr, "error: --out-topic is required")
		os.Exit(2)
	}
	replica := *owner
	if replica == "" {
		replica, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg := statestore.Config{Driver: *stateDriver, KVDBDir: *kvdbDir}
	if strings.EqualFold(strings.TrimSpace(*stateDriver), statestore.DriverPostgres) {
		dsn, err := secrets.ResolveRef(ctx, *postgresDSN)
		if err != nil {
			log.Error("resolve postgres dsn", "err", err)
			os.Exit(2)
		}
		storeCfg.PostgresDSN = dsn
	}
	handle, err := statestore.Open(ctx, storeCfg)
	if err != nil {
		log.Error("init state store", "driver", *stateDriver, "err", err)
		os.Exit(2)
	}
	defer handle.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	enc, err := withdrawabi.NewEncoder(variant)
	if err != nil {
		log.Error("init encoder", "err", err)
		os.Exit(2)
	}
	ag, err := agent.New(agent.Config{Metrics: m}, handle.Store, enc, log)
	if err != nil {
		log.Error("init agent", "err", err)
		os.Exit(2)
	}
	if *initJobID != "" {
		_, err := ag.Instantiate(ctx, agent.Env{Now: time.Now(), Sender: *initOwner}, agent.InstantiateMsg{
			JobID:      *initJobID,
			RetryDelay: *initRetryDelay,
		})
		switch {
		case err == nil:
		case errors.Is(err, state.ErrAlreadyInitialized):
			log.Info("agent already instantiated; ignoring --init-job-id")
		default:
			log.Error("instantiate agent", "err", err)
			os.Exit(2)
		}
	}
	if _, err := ag.JobID(ctx); err != nil {
		log.Error("agent not ready", "err", err)
		os.Exit(2)
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *outDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
	})
	if err != nil {
		log.Error("init queue producer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = producer.Close() }()

	sink, err := newSink(ctx, m, producer, *outTopic, blobConfig{
		Driver:   *blobDriver,
		Bucket:   *blobBucket,
		Prefix:   *blobPrefix,
		Region:   *s3Region,
		Endpoint: *s3Endpoint,
	})
	if err != nil {
		log.Error("init instruction sinks", "err", err)
		os.Exit(2)
	}

	batcher, err := batching.New[pendingAttempt](batching.Config{MaxItems: *batchMaxItems, MaxAge: *batchMaxAge})
	if err != nil {
		log.Error("init batcher", "err", err)
		os.Exit(2)
	}
	w, err := newWorker(ag, sink, batcher, workerConfig{
		CallTimeout: *callTimeout,
		AckTimeout:  *ackTimeout,
		OutboxBatch: *outboxBatch,
	}, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	var elector *leader.Elector
	if *leaderElection {
		var leaseStore leader.Store = leader.NewMemoryStore(nil)
		if handle.Pool != nil {
			pgLeases, err := leaderpg.New(handle.Pool)
			if err != nil {
				log.Error("init lease store", "err", err)
				os.Exit(2)
			}
			if err := pgLeases.EnsureSchema(ctx); err != nil {
				log.Error("ensure lease schema", "err", err)
				os.Exit(2)
			}
			leaseStore = pgLeases
		}
		elector, err = leader.NewElector(leaseStore, leader.Config{Name: *leaseName, Owner: replica, TTL: *leaseTTL}, log)
		if err != nil {
			log.Error("init leader elector", "err", err)
			os.Exit(2)
		}
		go func() {
			if err := elector.Run(ctx, m.SetLeader); err != nil {
				log.Error("leader elector", "err", err)
			}
		}()
	} else {
		m.SetLeader(true)
	}

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       time.Minute,
		}
		go func() {
			log.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:        *queueDriver,
		Brokers:       queue.SplitCommaList(*queueBrokers),
		Group:         *queueGroup,
		Topics:        queue.SplitCommaList(*queueTopics),
		KafkaMaxBytes: *queueMaxBytes,
		MaxLineBytes:  *maxLineBytes,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	log.Info("withdraw agent started",
		"variant", variant.String(),
		"signature", enc.Signature(),
		"state_driver", *stateDriver,
		"queue_driver", *queueDriver,
		"leader_election", *leaderElection,
		"owner", replica,
	)

	t := time.NewTicker(*tickInterval)
	defer t.Stop()
	outboxTicker := time.NewTicker(*outboxInterval)
	defer outboxTicker.Stop()
	flushTimer := time.NewTimer(*batchMaxAge)
	flushTimer.Stop()
	defer flushTimer.Stop()
	msgCh := consumer.Messages()
	errCh := consumer.Errors()

	// Instructions left by a previous run.
	if isLeader(elector) {
		w.drainOutbox(ctx)
	}

	for {
		in := msgCh
		if !isLeader(elector) {
			in = nil
		}
		var flushC <-chan time.Time
		if deadline, ok := w.flushDeadline(); ok {
			flushTimer.Reset(time.Until(deadline))
			flushC = flushTimer.C
		}

		select {
		case <-ctx.Done():
			log.Info("shutdown", "reason", ctx.Err())
			if isLeader(elector) {
				w.shutdown(*callTimeout)
			} else if ids := w.dropPending(); len(ids) > 0 {
				log.Warn("not leader at shutdown; dropped pending attempts", "deposit_ids", ids)
			}
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				log.Error("queue consume error", "err", err)
			}
		case <-t.C:
			if !isLeader(elector) {
				dropOnLeadershipLoss(w, log)
			}
		case <-flushC:
			if !isLeader(elector) {
				dropOnLeadershipLoss(w, log)
				continue
			}
			w.flushDue(ctx)
		case <-outboxTicker.C:
			if isLeader(elector) {
				w.drainOutbox(ctx)
			}
		case qmsg, ok := <-in:
			if !ok {
				log.Info("request stream closed")
				w.shutdown(*callTimeout)
				return
			}
			w.handleMessage(ctx, qmsg)
		}
	}
}

// validateDeployment rejects configurations where two replicas could run the cool-down
// check concurrently against shared state.
func validateDeployment(stateDriver string, leaderElection bool) error {
	if strings.EqualFold(strings.TrimSpace(stateDriver), statestore.DriverPostgres) && !leaderElection {
		return errors.New("--state-driver=postgres requires --leader-election")
	}
	return nil
}

func dropOnLeadershipLoss(w *worker, log *slog.Logger) {
	if ids := w.dropPending(); len(ids) > 0 {
		log.Warn("lost leadership; dropped pending attempts", "deposit_ids", ids)
	}
}

func isLeader(e *leader.Elector) bool {
	return e == nil || e.IsLeader()
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type blobConfig struct {
	Driver   string
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// newSink always publishes to the instruction topic and, when a blob driver is set,
// also archives each instruction.
func newSink(ctx context.Context, m *metrics.Metrics, producer queue.Producer, topic string, cfg blobConfig) (*outbound.Fanout, error) {
	qs, err := outbound.NewQueueSink(producer, topic)
	if err != nil {
		return nil, err
	}
	sinks := []outbound.NamedSink{{Name: "queue", Sink: qs}}

	if driver := strings.TrimSpace(cfg.Driver); driver != "" {
		bcfg := blobstore.Config{Driver: driver, Bucket: cfg.Bucket, Prefix: cfg.Prefix}
		if strings.EqualFold(driver, blobstore.DriverS3) {
			client, err := blobstore.NewS3Client(ctx, cfg.Region, cfg.Endpoint)
			if err != nil {
				return nil, err
			}
			bcfg.S3Client = client
		}
		store, err := blobstore.New(bcfg)
		if err != nil {
			return nil, err
		}
		bs, err := outbound.NewBlobSink(store)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, outbound.NamedSink{Name: "blob", Sink: bs})
	}
	return outbound.NewFanout(m, sinks...)
}
