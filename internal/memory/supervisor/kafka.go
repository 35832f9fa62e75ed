package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/jcbbge/anima/internal/memory/ports"
)

// KafkaBacklog publishes and consumes TaskEnvelopes as JSON over a Kafka
// topic. The Supervisor and the Memory Service do not route tasks through
// it: background tasks always go to the in-process buffered channel, and
// cmd/animad only constructs and closes a KafkaBacklog when brokers are
// configured.
type KafkaBacklog struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	logger  ports.Logger
	metrics ports.Metrics
}

// TaskEnvelope is the durable, serializable description of a background
// task. Unlike the in-process Task closure, a Kafka-backed task must be
// data, not a function value, so the consumer side dispatches on Kind.
type TaskEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewKafkaBacklog dials brokers and binds to topic, used for both
// producing and consuming task envelopes.
func NewKafkaBacklog(brokers []string, topic, groupID string, logger ports.Logger, metrics ports.Metrics) *KafkaBacklog {
	return &KafkaBacklog{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		logger:  logger,
		metrics: metrics,
	}
}

// Publish durably enqueues a task envelope.
func (k *KafkaBacklog) Publish(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := TaskEnvelope{Kind: kind, Payload: body}
	envBody, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Value: envBody, Time: time.Now()})
}

// Consume reads envelopes until ctx is canceled, dispatching each to
// handle. A handler error is logged and the message is still committed
// (offset advances) so one poison message cannot block the backlog
// forever; this mirrors the in-process Supervisor's swallow-and-log
// discipline.
func (k *KafkaBacklog) Consume(ctx context.Context, handle func(context.Context, TaskEnvelope) error) error {
	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env TaskEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			k.logger.Error("kafka backlog: malformed envelope", map[string]any{"error": err.Error()})
			k.metrics.IncCounter("supervisor_kafka_decode_failed_total", nil)
			continue
		}
		if err := handle(ctx, env); err != nil {
			k.logger.Error("kafka backlog task failed", map[string]any{"kind": env.Kind, "error": err.Error()})
			k.metrics.IncCounter("supervisor_tasks_failed_total", nil)
			continue
		}
		k.metrics.IncCounter("supervisor_tasks_completed_total", nil)
	}
}

// Close releases the writer and reader.
func (k *KafkaBacklog) Close() error {
	werr := k.writer.Close()
	rerr := k.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
