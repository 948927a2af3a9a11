package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"seat-service/internal/client"
	"seat-service/internal/util"
)

// KafkaEmitter publishes events to a single topic, keyed by user id so one
// user's events stay ordered within a partition. Publish failures are logged
// and dropped: events are observability, not state.
type KafkaEmitter struct {
	producer *client.KafkaProducer
	topic    string
	now      func() time.Time
}

func NewKafkaEmitter(producer *client.KafkaProducer, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		producer: producer,
		topic:    topic,
		now:      time.Now,
	}
}

func (e *KafkaEmitter) Emit(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("Failed to encode event",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := []byte(event.UserID)
	if len(key) == 0 {
		key = []byte(event.ID)
	}

	headers := map[string]string{"event_type": event.Type}
	if err := e.producer.ProduceMessage(ctx, e.topic, key, payload, headers); err != nil {
		util.Error("Failed to publish event",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}
