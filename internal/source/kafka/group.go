package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/hashdata/bireme/internal/pipeline"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// pollTimeout is how long one Poll call collects messages before returning
// them (an empty batch if none arrived), matching the roughly one-second poll cadence
// the pipeline's consume loop expects.
const pollTimeout = time.Second

// GroupConsumer is a pipeline.Source for the topic-per-table dialect: one
// sarama consumer group spanning every topic mapped to tables on this
// PipeLine, with offsets committed to the broker only once the batch they
// belong to has fully loaded.
type GroupConsumer struct {
	groupID string
	topics  []string
	group   sarama.ConsumerGroup
	handler *groupHandler

	startOnce sync.Once
	runErr    chan error

	mu      sync.Mutex
	pending [][]*sarama.ConsumerMessage // FIFO, one entry per non-empty Poll
}

// NewGroupConsumer dials a consumer group against cfg's brokers.
func NewGroupConsumer(cfg *Config, groupID string, topics []string) (*GroupConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, sc)
	if err != nil {
		return nil, errors.Wrap(err, "creating consumer group")
	}

	return &GroupConsumer{
		groupID: groupID,
		topics:  topics,
		group:   group,
		handler: newGroupHandler(),
		runErr:  make(chan error, 1),
	}, nil
}

// Poll returns the next batch of records, blocking at most pollTimeout.
func (g *GroupConsumer) Poll(ctx context.Context) ([]pipeline.Record, error) {
	g.startOnce.Do(func() { go g.consumeLoop(ctx) })

	select {
	case err := <-g.runErr:
		return nil, err
	default:
	}

	var msgs []*sarama.ConsumerMessage
	deadline := time.After(pollTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case err := <-g.runErr:
			return nil, err
		case m := <-g.handler.msgs:
			msgs = append(msgs, m)
		case <-deadline:
			goto done
		}
	}
done:
	if len(msgs) == 0 {
		return nil, nil
	}

	g.mu.Lock()
	g.pending = append(g.pending, msgs)
	g.mu.Unlock()

	records := make([]pipeline.Record, len(msgs))
	for i, m := range msgs {
		records[i] = pipeline.Record{Topic: m.Topic, Payload: m.Value}
	}
	return records, nil
}

// Advance marks the oldest still-unmarked batch's messages as consumed.
// seq is unused directly: Tracker guarantees Advance calls arrive in the
// same order batches were created, which is the same order Poll filled
// pending, so a plain FIFO pop is sufficient.
func (g *GroupConsumer) Advance(seq uint64) {
	g.mu.Lock()
	if len(g.pending) == 0 {
		g.mu.Unlock()
		log.WithField("seq", seq).Warn("kafka: advance called with no pending batch")
		return
	}
	batch := g.pending[0]
	g.pending = g.pending[1:]
	g.mu.Unlock()

	session := g.handler.currentSession()
	if session == nil {
		log.WithField("seq", seq).Warn("kafka: advance called outside an active session; offsets not committed")
		return
	}
	for _, m := range batch {
		session.MarkMessage(m, "")
	}
}

// Close shuts down the consumer group.
func (g *GroupConsumer) Close() {
	if err := g.group.Close(); err != nil {
		log.WithError(err).Warn("kafka: error closing consumer group")
	}
}

func (g *GroupConsumer) consumeLoop(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := g.group.Consume(ctx, g.topics, g.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.WithError(err).WithField("group", g.groupID).Warn("consumer group session ended with error; retrying")
			select {
			case g.runErr <- err:
			default:
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// groupHandler buffers every message it receives onto a channel and tracks
// the session currently in effect so GroupConsumer.Advance can mark offsets
// from outside the ConsumeClaim goroutine.
type groupHandler struct {
	msgs chan *sarama.ConsumerMessage

	mu      sync.RWMutex
	session sarama.ConsumerGroupSession
}

var _ sarama.ConsumerGroupHandler = (*groupHandler)(nil)

func newGroupHandler() *groupHandler {
	return &groupHandler{msgs: make(chan *sarama.ConsumerMessage, 1024)}
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	if h.session == session {
		h.session = nil
	}
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.msgs <- msg:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *groupHandler) currentSession() sarama.ConsumerGroupSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}
