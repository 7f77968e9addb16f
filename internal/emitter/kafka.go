package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/yairfalse/churn/telemetry"
	"github.com/yairfalse/churn/types"
)

// KafkaConfig configures the Kafka emitter.
type KafkaConfig struct {
	Brokers   []string // bootstrap host:port list
	Topic     string
	BatchSize int // messages per write (default: 100)
}

// messageWriter abstracts kafka.Writer for testability.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RowMessage is the value published for each aggregate row
type RowMessage struct {
	RunID    uuid.UUID        `json:"run_id"`
	Days     int              `json:"days"`
	Current  types.TimeWindow `json:"current"`
	Previous types.TimeWindow `json:"previous"`
	types.AggregateRow
	EmittedAt time.Time `json:"emitted_at"`
}

// KafkaEmitter publishes one message per aggregate row, keyed by
// "<scope>|<resource type>" so a group always lands on the same partition.
type KafkaEmitter struct {
	writer    messageWriter
	batchSize int
	now       func() time.Time
	logger    *telemetry.Logger
}

// NewKafkaEmitter creates a Kafka emitter. Brokers may also be given as
// one comma-separated entry.
func NewKafkaEmitter(cfg KafkaConfig) (*KafkaEmitter, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		for _, a := range strings.Split(b, ",") {
			if a = strings.TrimSpace(a); a != "" {
				brokers = append(brokers, a)
			}
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka emitter: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka emitter: no topic configured")
	}

	return newKafkaEmitter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, cfg.BatchSize), nil
}

func newKafkaEmitter(w messageWriter, batchSize int) *KafkaEmitter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &KafkaEmitter{
		writer:    w,
		batchSize: batchSize,
		now:       time.Now,
		logger:    telemetry.NewLogger("emitter.kafka"),
	}
}

// Emit publishes the rows of the run in batches.
func (e *KafkaEmitter) Emit(ctx context.Context, report Report) error {
	run := report.Run
	if run == nil || len(run.Rows) == 0 {
		return nil
	}

	emittedAt := e.now().UTC()
	batch := make([]kafka.Message, 0, e.batchSize)
	var sent int

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.writer.WriteMessages(ctx, batch...); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		sent += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, row := range run.Rows {
		value, err := json.Marshal(RowMessage{
			RunID:        run.ID,
			Days:         run.Days,
			Current:      run.Current,
			Previous:     run.Previous,
			AggregateRow: row,
			EmittedAt:    emittedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		batch = append(batch, kafka.Message{Key: []byte(row.Scope + "|" + row.ResourceType), Value: value})

		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	e.logger.WithContext(ctx).Debug().
		Str("run_id", run.ID.String()).
		Int("messages", sent).
		Msg("published rows to kafka")
	return nil
}

// Close shuts down the writer.
func (e *KafkaEmitter) Close() error {
	if err := e.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
