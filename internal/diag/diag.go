// Package diag contains sinks for the location value that accompanies every
// widget completion signal.
package diag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/thankyou/pkg/results"
	"github.com/segmentio/kafka-go"
)

// Hook receives the location of every completion signal.
type Hook interface {
	Location(viewID string, finished bool, loc *results.Location)
}

// LogHook logs locations at debug level.
type LogHook struct{}

// Location logs loc.
func (LogHook) Location(viewID string, finished bool, loc *results.Location) {
	log.Debug("completion location", "view", viewID, "finished", finished,
		"location", loc.String())
}

// Event is the message published by KafkaHook.
type Event struct {
	ViewID   string            `json:"view_id"`
	Finished bool              `json:"finished"`
	Location *results.Location `json:"location,omitempty"`
	Time     time.Time         `json:"time"`
}

// messageWriter is the subset of *kafka.Writer used by KafkaHook.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaHook publishes locations to a Kafka topic. Publishing is best effort:
// failures are logged and dropped.
type KafkaHook struct {
	writer  messageWriter
	timeout time.Duration
}

// NewKafkaHook returns a KafkaHook writing to topic on the given brokers.
func NewKafkaHook(brokers []string, topic string) *KafkaHook {
	return &KafkaHook{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
			Async:    true,
		},
		timeout: 5 * time.Second,
	}
}

// Location publishes an Event keyed by viewID.
func (h *KafkaHook) Location(viewID string, finished bool, loc *results.Location) {
	b, err := json.Marshal(Event{
		ViewID:   viewID,
		Finished: finished,
		Location: loc,
		Time:     time.Now().UTC(),
	})
	if err != nil {
		log.Error("cannot encode location event", "view", viewID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	err = h.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(viewID),
		Value: b,
	})
	if err != nil {
		log.Warn("cannot publish location event", "view", viewID, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (h *KafkaHook) Close() error {
	return h.writer.Close()
}

// Multi fans out to several hooks.
type Multi []Hook

// Location calls every hook in order.
func (m Multi) Location(viewID string, finished bool, loc *results.Location) {
	for _, h := range m {
		h.Location(viewID, finished, loc)
	}
}
