// Package service provides the chat business logic shared by the HTTP API and
// the live gateway.
package service

import (
	"context"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// Broadcaster fans events out to live connections.
type Broadcaster interface {
	Publish(group string, event model.EventName, payload any) int
	Subscribe(handle, group string) bool
	Unsubscribe(handle, group string)
	IsSubscribed(handle, group string) bool
}

// Presence answers who is connected right now.
type Presence interface {
	IsOnline(userID string) bool
	ConnectionsOf(userID string) []string
}

// Notifier hands records to the external notification service.
type Notifier interface {
	Publish(ctx context.Context, n model.Notification) error
}

// JobVerifier checks that a job may anchor a chat between two users. It is
// owned by the job service.
type JobVerifier interface {
	VerifyJob(ctx context.Context, jobID, clientID, craftsmanID string) error
}

// Path names the entry point of a send, for metrics and logs.
type Path string

const (
	PathLive     Path = "live"
	PathFallback Path = "fallback"
)

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, model.Notification) error { return nil }

// NopNotifier drops every record. Used when no notification stream is set up.
var NopNotifier Notifier = nopNotifier{}
