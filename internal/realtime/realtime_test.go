package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/dedupe"
	"github.com/tradeskill/marketplace-chat/internal/directory"
	"github.com/tradeskill/marketplace-chat/internal/middleware"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/presence"
	"github.com/tradeskill/marketplace-chat/internal/service"
	"github.com/tradeskill/marketplace-chat/internal/store"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

const secret = "gateway-secret"

var (
	alice = model.Identity{UserID: "alice", Role: model.RoleClient}
	bob   = model.Identity{UserID: "bob", Role: model.RoleCraftsman}
	carol = model.Identity{UserID: "carol", Role: model.RoleClient}
	dave  = model.Identity{UserID: "dave", Role: model.RoleCraftsman}
)

type inbound struct {
	Event model.EventName `json:"event"`
	Ref   string          `json:"ref"`
	Data  json.RawMessage `json:"data"`
}

type env struct {
	server   *httptest.Server
	registry *presence.Registry
	chats    *service.ChatService
	messages *service.MessageService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logger.Nop()
	st := store.NewMemory()
	router := broadcast.NewRouter(log)
	reg := presence.NewRegistry()
	dir := directory.NewStatic(alice, bob, carol, dave)

	messages := service.NewMessageService(st, router, reg, dedupe.NewMemory(time.Hour), dir, service.NopNotifier, log)
	chats := service.NewChatService(st, router, reg, dir, nil, messages, log)
	reads := service.NewReadService(st, router, messages, log)
	gw := NewGateway(chats, messages, reads, router, reg, Options{JWTSecret: secret, Lookback: 10}, log)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &env{server: srv, registry: reg, chats: chats, messages: messages}
}

type client struct {
	t    *testing.T
	ws   *websocket.Conn
	conn model.ConnectedEvent
}

func (e *env) dial(t *testing.T, id model.Identity) *client {
	t.Helper()
	token, err := middleware.IssueToken(secret, id, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws}
	connected := c.expect(model.EventConnected)
	require.NoError(t, json.Unmarshal(connected.Data, &c.conn))
	return c
}

func (c *client) send(event, ref string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(map[string]any{"event": event, "ref": ref, "data": data}))
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// expect reads frames until one named event arrives.
func (c *client) expect(event model.EventName) inbound {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		var in inbound
		require.NoError(c.t, c.ws.ReadJSON(&in), "waiting for %s", event)
		if in.Event == event {
			return in
		}
	}
}

func (c *client) ack(ref string) model.AckEvent {
	c.t.Helper()
	for {
		in := c.expect(model.EventAck)
		if in.Ref != ref {
			continue
		}
		var ack model.AckEvent
		require.NoError(c.t, json.Unmarshal(in.Data, &ack))
		return ack
	}
}

func (e *env) openChat(t *testing.T, client, craftsman model.Identity) string {
	t.Helper()
	resp, err := e.chats.StartChat(context.Background(), client, model.CreateChatRequest{CraftsmanID: craftsman.UserID}, service.PathFallback)
	require.NoError(t, err)
	return resp.Chat.ID
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_LiveSendAcksSenderAndReachesPeer(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	chatID := e.openChat(t, alice, bob)

	a := e.dial(t, alice)
	b := e.dial(t, bob)
	req.Equal([]string{chatID}, a.conn.Chats)
	req.True(e.registry.IsOnline("bob"))

	a.send(EventSendMessage, "r1", map[string]any{"chat_id": chatID, "content": "Hello", "client_message_id": "m-1"})

	ack := a.ack("r1")
	req.True(ack.OK)
	req.NotNil(ack.Message)
	req.Equal("Hello", ack.Message.Content)

	got := b.expect(model.EventNewMessage)
	var view model.MessageView
	req.NoError(json.Unmarshal(got.Data, &view))
	req.Equal(ack.Message.ID, view.ID)
	req.Equal("alice", view.Sender.UserID)

	updated := b.expect(model.EventChatUpdated)
	var summary model.ChatSummary
	req.NoError(json.Unmarshal(updated.Data, &summary))
	req.Equal(1, summary.UnreadCount)

	// Retrying the same client message id returns the original message.
	a.send(EventSendMessage, "r2", map[string]any{"chat_id": chatID, "content": "Hello", "client_message_id": "m-1"})
	retry := a.ack("r2")
	req.True(retry.OK)
	req.Equal(ack.Message.ID, retry.Message.ID)
}

func TestGateway_MalformedFrameKeepsConnectionOpen(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	chatID := e.openChat(t, alice, bob)
	a := e.dial(t, alice)

	a.sendRaw(`{not json`)
	var ev model.ErrorEvent
	req.NoError(json.Unmarshal(a.expect(model.EventError).Data, &ev))
	req.Equal("transport_error", ev.Code)

	a.send("fly-away", "r0", map[string]any{})
	req.NoError(json.Unmarshal(a.expect(model.EventError).Data, &ev))
	req.Equal("invalid_payload", ev.Code)
	req.Equal("r0", ev.Ref)

	a.send(EventJoinRoom, "r1", map[string]any{"chat_id": chatID})
	req.True(a.ack("r1").OK)
}

func TestGateway_SendFailureIsNacked(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	chatID := e.openChat(t, alice, bob)
	c := e.dial(t, carol)

	c.send(EventSendMessage, "r1", map[string]any{"chat_id": chatID, "content": "intrude"})
	ack := c.ack("r1")
	req.False(ack.OK)
	req.NotNil(ack.Error)
	req.Equal("not_participant", ack.Error.Code)

	c.send(EventJoinRoom, "r2", map[string]any{"chat_id": chatID})
	req.Equal("not_participant", c.ack("r2").Error.Code)

	a := e.dial(t, alice)
	a.send(EventSendMessage, "r3", map[string]any{"chat_id": chatID, "content": "   "})
	req.Equal("empty_content", a.ack("r3").Error.Code)
}

func TestGateway_ReconnectAutoSubscribes(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	chatID := e.openChat(t, alice, bob)

	a := e.dial(t, alice)
	b := e.dial(t, bob)
	req.NoError(b.ws.Close())
	req.Eventually(func() bool { return !e.registry.IsOnline("bob") }, 3*time.Second, 10*time.Millisecond)

	// The peer keeps sending while bob is away.
	_, err := e.messages.Send(context.Background(), service.SendInput{
		ChatID: chatID, Sender: alice, Content: "are you there?", Path: service.PathFallback,
	})
	req.NoError(err)

	b = e.dial(t, bob)
	req.Equal([]string{chatID}, b.conn.Chats)

	a.send(EventSendMessage, "r1", map[string]any{"chat_id": chatID, "content": "welcome back"})
	req.True(a.ack("r1").OK)

	var view model.MessageView
	req.NoError(json.Unmarshal(b.expect(model.EventNewMessage).Data, &view))
	req.Equal("welcome back", view.Content)

	var summary model.ChatSummary
	req.NoError(json.Unmarshal(b.expect(model.EventChatUpdated).Data, &summary))
	req.Equal(2, summary.UnreadCount)
}

func TestGateway_StartChatSubscribesBothSides(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	c := e.dial(t, carol)
	d := e.dial(t, dave)
	req.Empty(c.conn.Chats)

	c.send(EventStartChat, "r1", map[string]any{"craftsman_id": "dave", "content": "Can you fix a sink?"})
	ack := c.ack("r1")
	req.True(ack.OK)
	req.NotNil(ack.Message)

	var view model.MessageView
	req.NoError(json.Unmarshal(d.expect(model.EventNewMessage).Data, &view))
	req.Equal("Can you fix a sink?", view.Content)

	d.send(EventTypingStart, "r2", map[string]any{"chat_id": view.ChatID})
	req.True(d.ack("r2").OK)

	var typing model.TypingEvent
	req.NoError(json.Unmarshal(c.expect(model.EventUserTyping).Data, &typing))
	req.Equal("dave", typing.UserID)
	req.True(typing.Typing)
}

func TestGateway_MarkReadNotifiesSender(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	chatID := e.openChat(t, alice, bob)
	a := e.dial(t, alice)
	b := e.dial(t, bob)

	a.send(EventSendMessage, "r1", map[string]any{"chat_id": chatID, "content": "quote attached"})
	req.True(a.ack("r1").OK)

	b.send(EventMarkRead, "r2", map[string]any{"chat_id": chatID})
	ack := b.ack("r2")
	req.True(ack.OK)

	var read model.MessageReadEvent
	req.NoError(json.Unmarshal(a.expect(model.EventMessageRead).Data, &read))
	req.Equal("bob", read.ReaderID)
	req.Equal(1, read.Transitioned)
}

func TestGateway_LeaveRoomStopsChatEvents(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	chatID := e.openChat(t, alice, bob)
	a := e.dial(t, alice)
	b := e.dial(t, bob)

	b.send(EventLeaveRoom, "r1", map[string]any{"chat_id": chatID})
	req.True(b.ack("r1").OK)

	b.send(EventTypingStart, "r2", map[string]any{"chat_id": chatID})
	req.Equal("not_participant", b.ack("r2").Error.Code)

	a.send(EventSendMessage, "r3", map[string]any{"chat_id": chatID, "content": "still there?"})
	req.True(a.ack("r3").OK)

	// The user group still carries the list update.
	next := b.expect(model.EventChatUpdated)
	req.Equal(model.EventChatUpdated, next.Event)
}
