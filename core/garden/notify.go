package garden

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/plantmate/garden/core/logger"
)

// Notifier publishes placement-changed events to kafka. It is optional;
// when no brokers are configured the API runs without one.
type Notifier struct {
	writer *kafka.Writer
}

// placementEvent is the payload of one placement-changed notification
type placementEvent struct {
	UserID    int64     `json:"user_id"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotifier returns a new Notifier publishing to the given topic
func NewNotifier(brokers []string, topic string) *Notifier {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	logger.Default().Debugln("placement notifications enabled, topic:", topic)
	return &Notifier{writer: writer}
}

// PlacementsSaved publishes one event after a committed reconciliation.
// Publishing is best effort: a failure is logged, the reconciliation result
// stands.
func (n *Notifier) PlacementsSaved(ctx context.Context, userID int64, count int) {
	if n == nil {
		return
	}
	payload, _ := json.MarshalWithOption(placementEvent{
		UserID:    userID,
		Count:     count,
		Timestamp: time.Now().UTC(),
	}, json.DisableHTMLEscape())

	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(userID, 10)),
		Value: payload,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot publish placement event")
	}
}

// Close closes the underlying writer
func (n *Notifier) Close() error {
	if n == nil {
		return nil
	}
	return n.writer.Close()
}
