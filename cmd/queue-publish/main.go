package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/limit-order-bot/withdraw-agent/internal/queue"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("queue-publish", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", "withdraw.requests.v1", "queue topic")
	key := fs.String("key", "", "optional record key")
	raw := fs.Bool("raw", false, "publish payloads without checking they are withdraw requests")
	payload := fs.String("payload", "", "inline payload body")
	fs.Var(&payloadFiles, "payload-file", "payload file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	payloads, err := loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
	if err != nil {
		return err
	}
	if !*raw {
		for i, p := range payloads {
			if err := checkRequest(p); err != nil {
				return fmt.Errorf("payload %d: %w", i, err)
			}
		}
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, p := range payloads {
		p = bytes.TrimSpace(p)
		if len(p) == 0 {
			continue
		}
		rec := queue.Record{Topic: *topic, Value: p}
		if *key != "" {
			rec.Key = []byte(*key)
		}
		if err := producer.Publish(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// checkRequest accepts the message versions the withdraw agent consumes.
func checkRequest(p []byte) error {
	p = bytes.TrimSpace(p)
	if len(p) == 0 {
		return nil
	}
	var env struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(p, &env); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	switch env.Version {
	case withdrawbatch.AttemptVersionV1:
		var a withdrawbatch.Attempt
		if err := json.Unmarshal(p, &a); err != nil {
			return fmt.Errorf("parse attempt: %w", err)
		}
		return nil
	case withdrawbatch.PutWithdrawVersionV1, "":
		_, err := withdrawbatch.Decode(p)
		return err
	default:
		return fmt.Errorf("unsupported version %q", env.Version)
	}
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("payload is required via --payload, --payload-file, or stdin")
	}
	return splitLines(b), nil
}

// splitLines lets stdin carry one request per line.
func splitLines(b []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}
