package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

func TestSubject(t *testing.T) {
	req := require.New(t)
	req.Equal("chat.c1.message.created", Subject("c1", model.NotificationMessageCreated))
	req.Equal("chat.c1.message.read", Subject("c1", model.NotificationMessageRead))
	req.Equal("chat.c1.>", ChatFilter("c1"))
}
