// Package broker wraps the message-broker cluster the three stream workers
// share. It is a thin layer over github.com/twmb/franz-go/pkg/kgo — the
// same client library used directly by the stream-processing workers in
// the retrieved go-kafka-event-source examples — rather than a bespoke
// wire protocol.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names the durably-logged, partitioned topics the workers produce
// and consume from (spec.md §2, §4).
type Topic string

const (
	TopicFileEvents      Topic = "file-events"
	TopicSyncEvents      Topic = "sync-events"
	TopicScanEvents      Topic = "scan-events"
	TopicSubmitJobEvents Topic = "submit-job-events"
	TopicHaadfFileEvents Topic = "haadf-file-events"
)

// Config holds the connection settings for the broker cluster.
type Config struct {
	// Brokers is the comma-less list of seed broker addresses (host:port).
	Brokers []string
	// ConsumerGroup identifies the worker's consumer group; each worker
	// process runs its own group so that the three workers fan out the
	// same topics independently where they overlap.
	ConsumerGroup string
	Logger        *zap.Logger
}

// Client wraps a single franz-go client used for both producing and
// consuming. The source system runs one Faust app (and therefore one
// underlying Kafka client) per worker process; this mirrors that.
type Client struct {
	kc     *kgo.Client
	logger *zap.Logger
}

// Dial connects to the broker cluster and subscribes to topics (if any are
// given; a pure-producer client passes none).
func Dial(cfg Config, topics ...Topic) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("broker: logger is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("broker: at least one broker address is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		// Every record is idempotent-produced; process semantics rely on
		// at-least-once delivery plus table-side idempotency (spec.md §5,
		// §9), not exactly-once broker transactions.
		kgo.ProducerLinger(0),
	}
	if cfg.ConsumerGroup != "" && len(topics) > 0 {
		rawTopics := make([]string, len(topics))
		for i, t := range topics {
			rawTopics[i] = string(t)
		}
		opts = append(opts,
			kgo.ConsumerGroup(cfg.ConsumerGroup),
			kgo.ConsumeTopics(rawTopics...),
			kgo.DisableAutoCommit(),
		)
	}

	kc, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	return &Client{kc: kc, logger: cfg.Logger.Named("broker")}, nil
}

// Close flushes any pending produce requests and releases the connection.
func (c *Client) Close() {
	c.kc.Close()
}

// Publish JSON-encodes value and produces it as the value of a record on
// topic, keyed by key so that all events for the same entity land on the
// same partition and are processed in order (spec.md §5: "ordering is
// guaranteed only per partition key").
func (c *Client) Publish(ctx context.Context, topic Topic, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("broker: encode %s: %w", topic, err)
	}

	record := &kgo.Record{
		Topic: string(topic),
		Key:   []byte(key),
		Value: encoded,
	}

	result := c.kc.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

// Record is a decoded message delivered to a Handler.
type Record struct {
	Topic Topic
	Key   string
	Raw   *kgo.Record
}

// Handler processes one decoded record. Returning a non-nil error leaves
// the record's offset uncommitted, so it (and everything after it on the
// partition) will be redelivered on restart — the spec's documented
// at-least-once semantics (spec.md §5, §7).
type Handler func(ctx context.Context, rec Record, payload []byte) error

// Run polls the subscribed topics until ctx is cancelled, dispatching each
// record to handle and committing offsets only after handle returns nil.
// This is the consume loop every worker's main() runs on its own
// goroutine.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	type partitionKey struct {
		topic     string
		partition int32
	}
	// held records partitions with a failed record; nothing on them is
	// marked for commit again, so the failed offset is never committed past.
	held := map[partitionKey]bool{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := c.kc.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			fetchErr = err
		})
		if fetchErr != nil {
			return fmt.Errorf("broker: fetch: %w", fetchErr)
		}

		fetches.EachRecord(func(raw *kgo.Record) {
			rec := Record{Topic: Topic(raw.Topic), Key: string(raw.Key), Raw: raw}
			pk := partitionKey{topic: raw.Topic, partition: raw.Partition}
			if err := handle(ctx, rec, raw.Value); err != nil {
				c.logger.Error("handler error",
					zap.String("topic", raw.Topic),
					zap.String("key", rec.Key),
					zap.Error(err))
				held[pk] = true
				return
			}
			if held[pk] {
				return
			}
			c.kc.MarkCommitRecords(raw)
		})

		if err := c.kc.CommitMarkedOffsets(ctx); err != nil {
			return fmt.Errorf("broker: commit offsets: %w", err)
		}
	}
}
