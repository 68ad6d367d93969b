package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     NewMessage
		wantErr error
	}{
		{"text ok", NewMessage{Type: MessageTypeText, Content: "Hello"}, nil},
		{"image ok", NewMessage{Type: MessageTypeImage, Content: "https://img.example/a.png"}, nil},
		{"blank text", NewMessage{Type: MessageTypeText, Content: "   \n\t"}, ErrEmptyContent},
		{"unknown type", NewMessage{Type: "video", Content: "x"}, ErrInvalidMessageType},
		{"too long", NewMessage{Type: MessageTypeText, Content: strings.Repeat("a", MaxContentLength+1)}, ErrPayloadTooLarge},
		{"exact limit", NewMessage{Type: MessageTypeText, Content: strings.Repeat("é", MaxContentLength)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewMessage_Normalize(t *testing.T) {
	req := require.New(t)
	m := NewMessage{Content: "  Hello  "}
	m.Normalize()
	req.Equal(MessageTypeText, m.Type)
	req.Equal("Hello", m.Content)
}

func TestPreview(t *testing.T) {
	req := require.New(t)
	req.Equal("Hello", Preview(MessageTypeText, "Hello"))
	req.Equal("[image]", Preview(MessageTypeImage, "https://img.example/a.png"))

	long := strings.Repeat("ж", PreviewLength+10)
	p := Preview(MessageTypeText, long)
	req.True(strings.HasSuffix(p, "…"))
	req.Len([]rune(p), PreviewLength+1)
}

func TestChat_Participants(t *testing.T) {
	req := require.New(t)
	c := &Chat{ClientID: "c", CraftsmanID: "k", UnreadCounts: map[string]int{"c": 0, "k": 2}}

	req.True(c.HasParticipant("c"))
	req.True(c.HasParticipant("k"))
	req.False(c.HasParticipant("x"))
	req.False(c.HasParticipant(""))
	req.Equal("k", c.Other("c"))
	req.Equal("c", c.Other("k"))
	req.NoError(c.Validate())

	cp := c.Clone()
	cp.UnreadCounts["k"] = 9
	req.Equal(2, c.UnreadCounts["k"])

	req.Equal(2, c.SummaryFor("k").UnreadCount)
	req.ErrorIs((&Chat{ClientID: "a", CraftsmanID: "a"}).Validate(), ErrSelfChat)
	req.ErrorIs((&Chat{ClientID: "a"}).Validate(), ErrInvalidParticipants)
}

func TestErrorCode(t *testing.T) {
	req := require.New(t)
	req.Equal("role_violation", ErrorCode(ErrRoleViolation))
	req.Equal("not_participant", ErrorCode(ErrNotParticipant))
	req.Equal("internal_error", ErrorCode(errors.New("connection refused")))
	req.Equal("transport_error", ErrorCode(fmt.Errorf("decode frame: %w", ErrTransport)))
	req.True(IsClientError(ErrEmptyContent))
}
