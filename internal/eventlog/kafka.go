package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Kafka mirrors every append to a broker for durable, replayable history
// while serving reads from the in-memory recent window. Broker failures are
// logged and swallowed; the log is an asynchronous side effect.
type Kafka struct {
	*Memory
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafka builds the mirrored log against a comma-separated broker list.
func NewKafka(brokers string, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{Memory: NewMemory(), writer: w, logger: logger}
}

// Append records in memory, then produces to the topic's partition stream.
func (k *Kafka) Append(ctx context.Context, fleetID string, stream Stream, ev Event) error {
	stamp(&ev)
	if err := k.Memory.Append(ctx, fleetID, stream, ev); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error("eventlog: encode event", "error", err, "event_id", ev.EventID)
		return nil
	}
	msg := kafka.Message{
		Topic: Topic(fleetID, stream),
		Key:   []byte(ev.From),
		Value: value,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("eventlog: produce", "error", err, "topic", msg.Topic)
	}
	return nil
}

// Close flushes the async writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
