package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/hashdata/bireme/internal/pipeline"
	"github.com/hashdata/bireme/internal/retryutil"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// PartitionConsumer is a pipeline.Source for the partitioned single-topic
// dialect: one sarama PartitionConsumer per (topic, partition), since that
// dialect carries every source table's changes interleaved on one topic and
// a PipeLine is scoped to a single partition to preserve per-key ordering.
type PartitionConsumer struct {
	cfg       *Config
	client    sarama.Client
	consumer  sarama.Consumer
	partition sarama.PartitionConsumer

	topic         string
	partitionID   int32
	nextOffset    int64
	committed     OffsetStore
	retrySettings retryutil.Settings

	mu      sync.Mutex
	pending [][]int64 // FIFO of offsets belonging to each non-empty Poll's batch
}

// OffsetStore persists the last committed offset for a (topic, partition)
// so a restart resumes from where it left off rather than from the
// configured starting point.
type OffsetStore interface {
	Load(topic string, partition int32) (int64, bool, error)
	Save(topic string, partition int32, offset int64) error
}

// NewPartitionConsumer dials cfg's brokers and opens a PartitionConsumer on
// topic/partition, resuming from the offset store if it has one, or from
// the oldest available offset otherwise.
func NewPartitionConsumer(
	cfg *Config, topic string, partition int32, store OffsetStore,
) (*PartitionConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "dialing kafka brokers")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "creating consumer")
	}

	start := sarama.OffsetOldest
	if store != nil {
		if saved, ok, err := store.Load(topic, partition); err != nil {
			_ = consumer.Close()
			_ = client.Close()
			return nil, errors.Wrap(err, "loading saved offset")
		} else if ok {
			start = saved + 1
		}
	}

	pc, err := consumer.ConsumePartition(topic, partition, start)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, errors.Wrapf(err, "consuming %s/%d from %d", topic, partition, start)
	}

	return &PartitionConsumer{
		cfg:           cfg,
		client:        client,
		consumer:      consumer,
		partition:     pc,
		topic:         topic,
		partitionID:   partition,
		committed:     store,
		retrySettings: retryutil.DefaultSettings(),
	}, nil
}

// Poll collects messages from the partition consumer's channel until
// pollTimeout elapses and returns them as one batch (nil if none arrived).
// A broker error on the partition's error channel triggers a reconnect,
// retried with an exponential backoff, and Poll then returns an empty batch
// without surfacing the broker error; only a reconnect that gives up is
// returned as an error.
func (p *PartitionConsumer) Poll(ctx context.Context) ([]pipeline.Record, error) {
	var msgs []*sarama.ConsumerMessage
	deadline := time.After(pollTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case msg := <-p.partition.Messages():
			if msg == nil {
				return nil, nil
			}
			msgs = append(msgs, msg)
		case err := <-p.partition.Errors():
			if err == nil {
				continue
			}
			log.WithError(err).WithField("topic", p.topic).WithField("partition", p.partitionID).
				Warn("partition consumer error; reconnecting")
			if rerr := p.reconnect(ctx); rerr != nil {
				return nil, rerr
			}
			return nil, nil
		case <-deadline:
			goto done
		}
	}
done:
	if len(msgs) == 0 {
		return nil, nil
	}

	offsets := make([]int64, len(msgs))
	records := make([]pipeline.Record, len(msgs))
	for i, m := range msgs {
		offsets[i] = m.Offset
		records[i] = pipeline.Record{Topic: m.Topic, Payload: m.Value}
	}

	p.mu.Lock()
	p.pending = append(p.pending, offsets)
	p.mu.Unlock()
	return records, nil
}

// Advance persists the highest offset in the oldest still-unmarked batch.
// As with the consumer-group dialect, seq itself is unused: arrival order
// of Advance calls matches arrival order of the Poll calls that produced
// pending's entries.
func (p *PartitionConsumer) Advance(seq uint64) {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		log.WithField("seq", seq).Warn("kafka: advance called with no pending batch")
		return
	}
	offsets := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()

	if p.committed == nil {
		return
	}
	high := offsets[0]
	for _, o := range offsets[1:] {
		if o > high {
			high = o
		}
	}
	if err := p.committed.Save(p.topic, p.partitionID, high); err != nil {
		log.WithError(err).WithField("topic", p.topic).WithField("partition", p.partitionID).
			Warn("failed to persist committed offset")
	}
}

// Close shuts down the partition consumer and its client.
func (p *PartitionConsumer) Close() {
	if err := p.partition.Close(); err != nil {
		log.WithError(err).Warn("kafka: error closing partition consumer")
	}
	if err := p.consumer.Close(); err != nil {
		log.WithError(err).Warn("kafka: error closing consumer")
	}
	if err := p.client.Close(); err != nil {
		log.WithError(err).Warn("kafka: error closing client")
	}
}

func (p *PartitionConsumer) reconnect(ctx context.Context) error {
	_ = p.partition.Close()
	return retryutil.Do(ctx, p.retrySettings, func() error {
		start := sarama.OffsetOldest
		if p.committed != nil {
			if saved, ok, err := p.committed.Load(p.topic, p.partitionID); err == nil && ok {
				start = saved + 1
			}
		}
		pc, err := p.consumer.ConsumePartition(p.topic, p.partitionID, start)
		if err != nil {
			return err
		}
		p.partition = pc
		return nil
	})
}
