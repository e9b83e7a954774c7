package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/swaprelay/pkg/order"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// messageReader is the consumer side of *kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka keys jobs by order id so one order always lands on one partition,
// and the consumer group guarantees one active reader per partition.
// Several consumers may share one Kafka; acks can arrive in any order, but
// a partition's offset only advances past jobs that were all acked.
type Kafka struct {
	writer  *kafka.Writer
	reader  messageReader
	commits *commitTracker
	log     *zap.SugaredLogger
}

func NewKafka(cfg KafkaConfig, log *zap.SugaredLogger) *Kafka {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: 10 * time.Second,
		MaxBytes:       1e6,
	})

	log.Infow("kafka_queue_created", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	return &Kafka{writer: writer, reader: reader, commits: newCommitTracker(), log: log}
}

func (k *Kafka) Enqueue(ctx context.Context, job order.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.OrderID), Value: data}); err != nil {
		return fmt.Errorf("kafka enqueue %s: %w", job.OrderID, err)
	}
	return nil
}

func (k *Kafka) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrQueueClosed
			}
			return nil, err
		}
		k.commits.fetched(msg)

		var job order.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			// Unparseable jobs can never succeed; ack and skip past them.
			k.log.Errorw("kafka_job_malformed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
			if err := k.ack(ctx, msg); err != nil {
				return nil, err
			}
			continue
		}
		return &kafkaDelivery{q: k, msg: msg, job: job}, nil
	}
}

// ack marks msg done and commits the partition's acked prefix, if it grew.
// Commits are serialised so a partition's committed offset never moves
// backwards.
func (k *Kafka) ack(ctx context.Context, msg kafka.Message) error {
	k.commits.mu.Lock()
	defer k.commits.mu.Unlock()

	upTo, ok := k.commits.ackLocked(msg)
	if !ok {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, upTo); err != nil {
		return fmt.Errorf("kafka commit partition %d offset %d: %w", upTo.Partition, upTo.Offset, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	var werr error
	if k.writer != nil {
		werr = k.writer.Close()
	}
	return errors.Join(werr, k.reader.Close())
}

type kafkaDelivery struct {
	q   *Kafka
	msg kafka.Message
	job order.Job
}

func (d *kafkaDelivery) Job() order.Job { return d.job }

func (d *kafkaDelivery) Ack(ctx context.Context) error { return d.q.ack(ctx, d.msg) }

// commitTracker keeps, per partition, the fetched messages not yet covered
// by a commit, in fetch (offset) order.
type commitTracker struct {
	mu    sync.Mutex
	parts map[int][]inflight
}

type inflight struct {
	msg   kafka.Message
	acked bool
}

func newCommitTracker() *commitTracker {
	return &commitTracker{parts: make(map[int][]inflight)}
}

func (t *commitTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.parts[msg.Partition]
	// An offset at or below the tail means the partition was reassigned
	// and is being read again from the committed offset.
	if n := len(list); n > 0 && msg.Offset <= list[n-1].msg.Offset {
		list = nil
	}
	t.parts[msg.Partition] = append(list, inflight{msg: msg})
}

// ackLocked marks msg acked and pops the acked head of its partition. It
// returns the last popped message, which is the one to commit.
func (t *commitTracker) ackLocked(msg kafka.Message) (kafka.Message, bool) {
	list := t.parts[msg.Partition]
	for i := range list {
		if list[i].msg.Offset == msg.Offset {
			list[i].acked = true
			break
		}
	}

	var (
		upTo kafka.Message
		n    int
	)
	for n < len(list) && list[n].acked {
		upTo = list[n].msg
		n++
	}
	t.parts[msg.Partition] = list[n:]
	return upTo, n > 0
}

var _ Queue = (*Kafka)(nil)
