package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/pkg/metrics"
)

const (
	// StreamName is the name of the chat notification stream.
	StreamName = "CHAT_EVENTS"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"
)

// Publisher writes notification records for the external notification
// service. Records carry the notification id as the JetStream message id, so
// a retried publish inside the duplicate window is stored once.
type Publisher struct {
	client *Client
}

// NewPublisher creates a new notification publisher.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

// EnsureStream ensures the notification stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  10 * time.Minute,
		Compression: jetstream.S2Compression,
		Description: "Chat notification records for push and email delivery",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Subject returns the subject for a notification kind in a chat.
func Subject(chatID string, kind model.NotificationKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, chatID, kind)
}

// ChatFilter returns the filter subject for every record of a chat.
func ChatFilter(chatID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, chatID)
}

// Publish writes one notification record.
func (p *Publisher) Publish(ctx context.Context, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = p.client.JetStream().Publish(ctx, Subject(n.ChatID, n.Kind), data, jetstream.WithMsgID(n.ID))
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "error").Inc()
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "ok").Inc()
	return nil
}

// Check reports stream health and refreshes the stream gauges.
func (p *Publisher) Check(ctx context.Context) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("nats: not connected")
	}
	stream, err := p.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return fmt.Errorf("nats: stream %s: %w", StreamName, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("nats: stream info: %w", err)
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
	return nil
}
