package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
)

// DefaultTopic carries action notifications
const DefaultTopic = "compact.notifications"

// WatermillPublisher implements ports.Notifier on top of a Watermill publisher
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a notifier publishing JSON to topic.
// An empty topic selects DefaultTopic.
func NewWatermillPublisher(publisher message.Publisher, topic string) *WatermillPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{publisher: publisher, topic: topic}
}

var _ ports.Notifier = (*WatermillPublisher)(nil)

// Notify publishes one notification. The message uuid is the notification id.
func (p *WatermillPublisher) Notify(ctx context.Context, n core.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := message.NewMessage(n.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("action_id", n.ActionID)
	msg.Metadata.Set("stage", string(n.Stage))

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Decode parses a notification published by WatermillPublisher
func Decode(msg *message.Message) (core.Notification, error) {
	var n core.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return core.Notification{}, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return n, nil
}
