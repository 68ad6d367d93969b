// Package dedupe remembers client-supplied message ids so a retried send
// resolves to the message the first attempt created.
package dedupe

import (
	"context"
	"strings"
	"time"
)

// DefaultTTL is how long a client message id is remembered.
const DefaultTTL = 24 * time.Hour

// Store claims keys for message ids.
type Store interface {
	// Claim binds key to messageID unless it is already bound. When it is,
	// claimed is false and existingID is the id bound by the first caller.
	Claim(ctx context.Context, key, messageID string) (existingID string, claimed bool, err error)
	// Release forgets key if it is still bound to messageID. Used when the
	// send that claimed it failed.
	Release(ctx context.Context, key, messageID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Key scopes a client message id to one sender in one chat.
func Key(chatID, senderID, clientMessageID string) string {
	return strings.Join([]string{"dedupe", chatID, senderID, clientMessageID}, ":")
}
