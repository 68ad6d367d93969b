package realtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/middleware"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/presence"
	"github.com/tradeskill/marketplace-chat/internal/service"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
	"github.com/tradeskill/marketplace-chat/pkg/metrics"
)

// DefaultLookback is how many recent chats a new connection joins.
const DefaultLookback = 50

// Options configures a Gateway.
type Options struct {
	JWTSecret      string
	Lookback       int
	AllowedOrigins []string
}

// Gateway accepts live connections and dispatches their requests into the
// same services the HTTP API uses.
type Gateway struct {
	chats    *service.ChatService
	messages *service.MessageService
	reads    *service.ReadService
	router   *broadcast.Router
	presence *presence.Registry

	secret   string
	lookback int
	origins  []string
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewGateway creates a new gateway.
func NewGateway(
	chats *service.ChatService,
	messages *service.MessageService,
	reads *service.ReadService,
	router *broadcast.Router,
	reg *presence.Registry,
	opts Options,
	log *logger.Logger,
) *Gateway {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	g := &Gateway{
		chats:    chats,
		messages: messages,
		reads:    reads,
		router:   router,
		presence: reg,
		secret:   opts.JWTSecret,
		lookback: opts.Lookback,
		origins:  opts.AllowedOrigins,
		log:      log,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.origins) == 0 {
		return true
	}
	return lo.Contains(g.origins, origin)
}

// authenticate accepts an identity already placed by the auth middleware or
// verifies the token on the upgrade request itself.
func (g *Gateway) authenticate(r *http.Request) (model.Identity, error) {
	if id, ok := middleware.GetIdentity(r.Context()); ok {
		return id, nil
	}
	token, err := middleware.TokenFromRequest(r)
	if err != nil {
		return model.Identity{}, err
	}
	return middleware.ParseToken(g.secret, token)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := g.authenticate(r)
	if err != nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.String("user_id", user.UserID), zap.Error(err))
		return
	}

	conn := NewConnection(user, ws)
	log := g.log.WithConnection(conn.ID(), user.UserID)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	g.router.Attach(conn)
	g.presence.Register(conn.ID(), user.UserID, user.Role)
	metrics.IncrementConnections()
	conn.Start()

	defer func() {
		conn.Close(websocket.CloseNormalClosure, "")
		g.router.Detach(conn.ID())
		_, offline := g.presence.Unregister(conn.ID())
		metrics.DecrementConnections()
		log.Info("connection closed", zap.Bool("user_offline", offline))
	}()

	chats, err := g.chats.AutoSubscribe(ctx, user.UserID, conn.ID(), g.lookback)
	if err != nil {
		// The user group is joined already; chat rooms can still be joined explicitly.
		log.Error("auto-subscribe", zap.Error(err))
	}
	g.reply(conn.ID(), broadcast.Envelope{
		Event: model.EventConnected,
		Data:  model.ConnectedEvent{ConnectionID: conn.ID(), UserID: user.UserID, Chats: lo.Ternary(chats == nil, []string{}, chats)},
	})
	log.Info("connection opened", zap.Int("chats", len(chats)))

	err = conn.ReadLoop(func(raw []byte) {
		g.dispatch(ctx, conn, log, raw)
	})
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("read loop ended", zap.Error(err))
	}
}

// dispatch handles one inbound frame. Failures never end the connection.
func (g *Gateway) dispatch(ctx context.Context, conn *Connection, log *logger.Logger, raw []byte) {
	ref, in, err := Decode(raw)
	if err != nil {
		g.fail(conn.ID(), log, ref, err)
		return
	}

	user := conn.User()
	ack := model.AckEvent{Ref: ref, OK: true}

	switch req := in.(type) {
	case StartChat:
		resp, err := g.chats.StartChat(ctx, user, req.CreateChatRequest, service.PathLive)
		if err != nil {
			g.nack(conn.ID(), log, ref, err)
			return
		}
		// The sender's own connection is subscribed even when the chat already existed.
		g.router.Subscribe(conn.ID(), broadcast.ChatGroup(resp.Chat.ID))
		ack.Message = resp.Message
		ack.Data = resp.Chat
	case JoinRoom:
		if err := g.chats.JoinRoom(ctx, user, conn.ID(), req.ChatID); err != nil {
			g.nack(conn.ID(), log, ref, err)
			return
		}
	case LeaveRoom:
		g.chats.LeaveRoom(conn.ID(), req.ChatID)
	case SendMessage:
		resp, err := g.messages.Send(ctx, service.SendInput{
			ChatID:          req.ChatID,
			Sender:          user,
			Type:            req.Type,
			Content:         req.Content,
			ClientMessageID: req.ClientMessageID,
			Path:            service.PathLive,
		})
		if err != nil {
			g.nack(conn.ID(), log, ref, err)
			return
		}
		ack.Message = resp.Message
		ack.Data = resp
	case MarkRead:
		resp, err := g.reads.MarkRead(ctx, user, req.ChatID)
		if err != nil {
			g.nack(conn.ID(), log, ref, err)
			return
		}
		ack.Data = resp
	case Typing:
		if err := g.reads.Typing(ctx, user, conn.ID(), req.ChatID, req.Start); err != nil {
			g.nack(conn.ID(), log, ref, err)
			return
		}
	default:
		g.fail(conn.ID(), log, ref, model.ErrInvalidRequest)
		return
	}

	g.reply(conn.ID(), broadcast.Envelope{Event: model.EventAck, Ref: ref, Data: ack})
}

// nack answers a failed request with an ack carrying the error.
func (g *Gateway) nack(handle string, log *logger.Logger, ref string, err error) {
	ev := errorEvent(log, ref, err)
	g.reply(handle, broadcast.Envelope{Event: model.EventAck, Ref: ref, Data: model.AckEvent{Ref: ref, OK: false, Error: &ev}})
}

// fail reports a frame that could not be decoded.
func (g *Gateway) fail(handle string, log *logger.Logger, ref string, err error) {
	g.reply(handle, broadcast.Envelope{Event: model.EventError, Ref: ref, Data: errorEvent(log, ref, err)})
}

func (g *Gateway) reply(handle string, env broadcast.Envelope) {
	if err := g.router.SendTo(handle, env); err != nil && !errors.Is(err, model.ErrNotFound) {
		g.log.Debug("reply dropped", zap.String("connection_id", handle), zap.Error(err))
	}
}

func errorEvent(log *logger.Logger, ref string, err error) model.ErrorEvent {
	if !model.IsClientError(err) {
		log.Error("live request failed", zap.String("ref", ref), zap.Error(err))
		return model.ErrorEvent{Code: model.ErrorCode(err), Message: "internal error", Ref: ref}
	}
	return model.ErrorEvent{Code: model.ErrorCode(err), Message: err.Error(), Ref: ref}
}
