package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tradeskill/marketplace-chat/internal/broadcast"
	"github.com/tradeskill/marketplace-chat/internal/dedupe"
	"github.com/tradeskill/marketplace-chat/internal/directory"
	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/internal/presence"
	"github.com/tradeskill/marketplace-chat/internal/store"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
)

var (
	alice = model.Identity{UserID: "alice", Role: model.RoleClient}
	bob   = model.Identity{UserID: "bob", Role: model.RoleCraftsman, DisplayName: "Bob the Plumber"}
	carol = model.Identity{UserID: "carol", Role: model.RoleClient}
	dave  = model.Identity{UserID: "dave", Role: model.RoleCraftsman}
	root  = model.Identity{UserID: "root", Role: model.RoleAdmin}
)

// --- Mock Notifier ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Publish(ctx context.Context, n model.Notification) error {
	return m.Called(ctx, n).Error(0)
}

// --- Mock JobVerifier ---

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) VerifyJob(ctx context.Context, jobID, clientID, craftsmanID string) error {
	return m.Called(ctx, jobID, clientID, craftsmanID).Error(0)
}

// --- Recording sink ---

type sink struct {
	id     string
	mu     sync.Mutex
	frames []broadcast.Envelope
}

func (s *sink) ID() string { return s.id }

func (s *sink) Send(frame []byte) error {
	var env broadcast.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, env)
	return nil
}

func (s *sink) events() []model.EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventName, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

func (s *sink) count(event model.EventName) int {
	n := 0
	for _, e := range s.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (s *sink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

type harness struct {
	store    *store.Memory
	router   *broadcast.Router
	presence *presence.Registry
	dedupe   *dedupe.Memory
	notifier *mockNotifier
	jobs     *mockJobs

	messages *MessageService
	chats    *ChatService
	reads    *ReadService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.Nop()
	h := &harness{
		store:    store.NewMemory(),
		router:   broadcast.NewRouter(log),
		presence: presence.NewRegistry(),
		dedupe:   dedupe.NewMemory(time.Hour),
		notifier: &mockNotifier{},
		jobs:     &mockJobs{},
	}
	dir := directory.NewStatic(alice, bob, carol, dave, root)
	h.messages = NewMessageService(h.store, h.router, h.presence, h.dedupe, dir, h.notifier, log)
	h.chats = NewChatService(h.store, h.router, h.presence, dir, h.jobs, h.messages, log)
	h.reads = NewReadService(h.store, h.router, h.messages, log)
	return h
}

// connect simulates the gateway opening a live connection.
func (h *harness) connect(t *testing.T, user model.Identity, handle string) *sink {
	t.Helper()
	s := &sink{id: handle}
	h.presence.Register(handle, user.UserID, user.Role)
	h.router.Attach(s)
	_, err := h.chats.AutoSubscribe(context.Background(), user.UserID, handle, 50)
	require.NoError(t, err)
	return s
}

func (h *harness) disconnect(handle string) {
	h.router.Detach(handle)
	h.presence.Unregister(handle)
}

func (h *harness) chat(t *testing.T, client, craftsman model.Identity) *model.Chat {
	t.Helper()
	chat, _, err := h.store.CreateOrGetChat(context.Background(), client, craftsman, nil)
	require.NoError(t, err)
	return chat
}

func TestSend_FallbackReachesLiveConnections(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)

	alicePhone := h.connect(t, alice, "alice-phone")
	bobLaptop := h.connect(t, bob, "bob-laptop")
	bobPhone := h.connect(t, bob, "bob-phone")

	h.notifier.On("Publish", mock.Anything, mock.MatchedBy(func(n model.Notification) bool {
		return n.Kind == model.NotificationMessageCreated && n.RecipientID == bob.UserID && n.RecipientOnline
	})).Return(nil).Once()

	resp, err := h.messages.Send(context.Background(), SendInput{
		ChatID:  chat.ID,
		Sender:  alice,
		Content: "Hello",
		Path:    PathFallback,
	})
	req.NoError(err)
	req.True(resp.RecipientOnline)
	req.Equal("Hello", resp.Message.Content)
	req.Equal(model.MessageTypeText, resp.Message.Type)

	for _, s := range []*sink{alicePhone, bobLaptop, bobPhone} {
		req.Equal([]model.EventName{model.EventNewMessage, model.EventChatUpdated}, s.events(), s.id)
	}

	got, err := h.store.GetChat(context.Background(), chat.ID)
	req.NoError(err)
	req.Equal(1, got.UnreadCounts[bob.UserID])
	req.Zero(got.UnreadCounts[alice.UserID])
	h.notifier.AssertExpectations(t)
}

func TestSend_LiveAndFallbackHaveTheSameEffects(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	bobLaptop := h.connect(t, bob, "bob-laptop")
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	var views []*model.MessageView
	for _, path := range []Path{PathLive, PathFallback} {
		bobLaptop.reset()
		resp, err := h.messages.Send(context.Background(), SendInput{
			ChatID:  chat.ID,
			Sender:  alice,
			Content: "Ping " + string(path),
			Path:    path,
		})
		req.NoError(err)
		req.True(resp.RecipientOnline)
		req.Equal([]model.EventName{model.EventNewMessage, model.EventChatUpdated}, bobLaptop.events())
		views = append(views, resp.Message)
	}

	req.Equal(views[0].Sender, views[1].Sender)
	req.Greater(views[1].Sequence, views[0].Sequence)

	got, err := h.store.GetChat(context.Background(), chat.ID)
	req.NoError(err)
	req.Equal(2, got.UnreadCounts[bob.UserID])
}

func TestSend_ResolvesSenderIdentity(t *testing.T) {
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	resp, err := h.messages.Send(context.Background(), SendInput{
		ChatID:  chat.ID,
		Sender:  model.Identity{UserID: bob.UserID, Role: model.RoleCraftsman},
		Content: "On my way",
		Path:    PathLive,
	})
	require.NoError(t, err)
	require.Equal(t, "Bob the Plumber", resp.Message.Sender.DisplayName)
}

func TestSend_OfflineRecipient(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.connect(t, bob, "bob-laptop")
	h.disconnect("bob-laptop")

	h.notifier.On("Publish", mock.Anything, mock.MatchedBy(func(n model.Notification) bool {
		return n.RecipientID == bob.UserID && !n.RecipientOnline && n.Preview == "Are you free Tuesday?"
	})).Return(nil).Once()

	resp, err := h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: "Are you free Tuesday?", Path: PathFallback})
	req.NoError(err)
	req.False(resp.RecipientOnline)

	page, err := h.chats.ListMessages(context.Background(), bob, chat.ID, 1, 50)
	req.NoError(err)
	req.Len(page.Messages, 1)
	h.notifier.AssertExpectations(t)
}

func TestSend_NotificationFailureDoesNotFailSend(t *testing.T) {
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(errors.New("nats: timeout"))

	_, err := h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: "Hi", Path: PathLive})
	require.NoError(t, err)
}

func TestSend_Rejections(t *testing.T) {
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	carolPhone := h.connect(t, carol, "carol-phone")

	tests := []struct {
		name    string
		in      SendInput
		wantErr error
	}{
		{"non participant", SendInput{ChatID: chat.ID, Sender: carol, Content: "hi"}, model.ErrNotParticipant},
		{"empty", SendInput{ChatID: chat.ID, Sender: alice, Content: "   "}, model.ErrEmptyContent},
		{"unknown chat", SendInput{ChatID: "nope", Sender: alice, Content: "hi"}, model.ErrNotFound},
		{"bad type", SendInput{ChatID: chat.ID, Sender: alice, Type: "video", Content: "hi"}, model.ErrInvalidMessageType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Path = PathFallback
			_, err := h.messages.Send(context.Background(), tt.in)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.Empty(t, carolPhone.events())
	h.notifier.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestSend_ClientMessageIDDeduplicates(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	bobLaptop := h.connect(t, bob, "bob-laptop")
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()

	in := SendInput{ChatID: chat.ID, Sender: alice, Content: "Hello", ClientMessageID: "c-1", Path: PathFallback}
	first, err := h.messages.Send(context.Background(), in)
	req.NoError(err)
	req.False(first.Duplicate)

	in.Path = PathLive
	second, err := h.messages.Send(context.Background(), in)
	req.NoError(err)
	req.True(second.Duplicate)
	req.Equal(first.Message.ID, second.Message.ID)

	req.Equal(1, bobLaptop.count(model.EventNewMessage))
	got, err := h.store.GetChat(context.Background(), chat.ID)
	req.NoError(err)
	req.Equal(1, got.UnreadCounts[bob.UserID])
	h.notifier.AssertNumberOfCalls(t, "Publish", 1)
}

func TestSend_ClientMessageIDReleasedOnFailure(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	_, err := h.store.ArchiveChat(context.Background(), chat.ID, alice.UserID)
	req.NoError(err)

	_, err = h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: "Hello", ClientMessageID: "c-1"})
	req.ErrorIs(err, model.ErrChatArchived)

	_, claimed, err := h.dedupe.Claim(context.Background(), dedupe.Key(chat.ID, alice.UserID, "c-1"), "probe")
	req.NoError(err)
	req.True(claimed)
}

func TestSend_DuplicateInFlight(t *testing.T) {
	h := newHarness(t)
	chat := h.chat(t, alice, bob)

	_, _, err := h.dedupe.Claim(context.Background(), dedupe.Key(chat.ID, alice.UserID, "c-1"), "not-yet-stored")
	require.NoError(t, err)

	_, err = h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: "Hello", ClientMessageID: "c-1"})
	require.ErrorIs(t, err, model.ErrDuplicateInFlight)
}

func TestSend_ConcurrentSendersKeepEveryIncrement(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.connect(t, alice, "alice-phone")
	h.connect(t, bob, "bob-laptop")
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []model.Identity{alice, bob} {
		for _, path := range []Path{PathLive, PathFallback} {
			wg.Add(1)
			go func(sender model.Identity, path Path) {
				defer wg.Done()
				for i := 0; i < perSender; i++ {
					_, err := h.messages.Send(context.Background(), SendInput{
						ChatID:  chat.ID,
						Sender:  sender,
						Content: fmt.Sprintf("%s %s %d", sender.UserID, path, i),
						Path:    path,
					})
					if err != nil {
						t.Errorf("send: %v", err)
						return
					}
				}
			}(sender, path)
		}
	}
	wg.Wait()

	got, err := h.store.GetChat(context.Background(), chat.ID)
	req.NoError(err)
	req.Equal(2*perSender, got.UnreadCounts[alice.UserID])
	req.Equal(2*perSender, got.UnreadCounts[bob.UserID])
}

func TestStartChat(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	// Both are online before the chat exists.
	alicePhone := h.connect(t, alice, "alice-phone")
	bobLaptop := h.connect(t, bob, "bob-laptop")

	job := "job-42"
	h.jobs.On("VerifyJob", mock.Anything, job, alice.UserID, bob.UserID).Return(nil).Once()

	resp, err := h.chats.StartChat(context.Background(), alice, model.CreateChatRequest{
		CraftsmanID: bob.UserID,
		JobID:       &job,
		Content:     "Hi Bob, can you fix a leak?",
	}, PathFallback)
	req.NoError(err)
	req.True(resp.Created)
	req.NotNil(resp.Message)
	req.Equal(1, resp.Chat.UnreadCounts[bob.UserID])
	req.Equal("Hi Bob, can you fix a leak?", resp.Chat.LastMessagePreview)

	req.True(h.router.IsSubscribed("alice-phone", broadcast.ChatGroup(resp.Chat.ID)))
	req.True(h.router.IsSubscribed("bob-laptop", broadcast.ChatGroup(resp.Chat.ID)))
	req.Equal(1, bobLaptop.count(model.EventNewMessage))
	req.Equal(1, alicePhone.count(model.EventNewMessage))

	again, err := h.chats.StartChat(context.Background(), alice, model.CreateChatRequest{CraftsmanID: bob.UserID}, PathLive)
	req.NoError(err)
	req.False(again.Created)
	req.Equal(resp.Chat.ID, again.Chat.ID)
	req.Nil(again.Message)
	h.jobs.AssertExpectations(t)
}

func TestStartChat_Rejections(t *testing.T) {
	h := newHarness(t)
	h.jobs.On("VerifyJob", mock.Anything, "closed-job", alice.UserID, bob.UserID).Return(model.ErrForbidden)

	closed := "closed-job"
	tests := []struct {
		name    string
		caller  model.Identity
		req     model.CreateChatRequest
		wantErr error
	}{
		{"client to client", alice, model.CreateChatRequest{CraftsmanID: carol.UserID}, model.ErrRoleViolation},
		{"craftsman initiates", dave, model.CreateChatRequest{CraftsmanID: alice.UserID}, model.ErrRoleViolation},
		{"self", alice, model.CreateChatRequest{CraftsmanID: alice.UserID}, model.ErrSelfChat},
		{"unknown user", alice, model.CreateChatRequest{CraftsmanID: "ghost"}, model.ErrNotFound},
		{"job refused", alice, model.CreateChatRequest{CraftsmanID: bob.UserID, JobID: &closed}, model.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.chats.StartChat(context.Background(), tt.caller, tt.req, PathFallback)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	list, err := h.chats.ListChats(context.Background(), alice, 1, 10)
	require.NoError(t, err)
	require.Zero(t, list.Total)
}

func TestStartChat_ReversedPairReturnsExisting(t *testing.T) {
	h := newHarness(t)
	chat := h.chat(t, alice, bob)

	resp, err := h.chats.StartChat(context.Background(), bob, model.CreateChatRequest{CraftsmanID: alice.UserID}, PathFallback)
	require.NoError(t, err)
	require.False(t, resp.Created)
	require.Equal(t, chat.ID, resp.Chat.ID)
}

func TestMarkRead_PublishesOnlyOnTransition(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	alicePhone := h.connect(t, alice, "alice-phone")
	bobLaptop := h.connect(t, bob, "bob-laptop")
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	for _, text := range []string{"one", "two"} {
		_, err := h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: text, Path: PathLive})
		req.NoError(err)
	}
	alicePhone.reset()
	bobLaptop.reset()

	resp, err := h.reads.MarkRead(context.Background(), bob, chat.ID)
	req.NoError(err)
	req.Equal(2, resp.Transitioned)
	req.Equal(1, alicePhone.count(model.EventMessageRead))
	req.Equal(1, bobLaptop.count(model.EventChatUpdated))
	req.Zero(alicePhone.count(model.EventChatUpdated))

	resp, err = h.reads.MarkRead(context.Background(), bob, chat.ID)
	req.NoError(err)
	req.Zero(resp.Transitioned)
	req.Equal(1, alicePhone.count(model.EventMessageRead))

	got, err := h.store.GetChat(context.Background(), chat.ID)
	req.NoError(err)
	req.Zero(got.UnreadCounts[bob.UserID])

	_, err = h.reads.MarkRead(context.Background(), carol, chat.ID)
	req.ErrorIs(err, model.ErrNotParticipant)
}

func TestTyping(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.connect(t, alice, "alice-phone")
	bobLaptop := h.connect(t, bob, "bob-laptop")
	h.connect(t, carol, "carol-phone")

	req.NoError(h.reads.Typing(context.Background(), alice, "alice-phone", chat.ID, true))
	req.Equal([]model.EventName{model.EventUserTyping}, bobLaptop.events())

	err := h.reads.Typing(context.Background(), carol, "carol-phone", chat.ID, true)
	req.ErrorIs(err, model.ErrNotParticipant)

	h.chats.LeaveRoom("alice-phone", chat.ID)
	err = h.reads.Typing(context.Background(), alice, "alice-phone", chat.ID, false)
	req.ErrorIs(err, model.ErrNotParticipant)

	req.NoError(h.chats.JoinRoom(context.Background(), alice, "alice-phone", chat.ID))
	req.NoError(h.reads.Typing(context.Background(), alice, "alice-phone", chat.ID, false))
	req.ErrorIs(h.chats.JoinRoom(context.Background(), carol, "carol-phone", chat.ID), model.ErrNotParticipant)
}

func TestDelete(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	bobLaptop := h.connect(t, bob, "bob-laptop")
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	sent, err := h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: "oops", Path: PathLive})
	req.NoError(err)

	_, err = h.messages.Delete(context.Background(), bob, sent.Message.ID)
	req.ErrorIs(err, model.ErrForbidden)

	deleted, err := h.messages.Delete(context.Background(), alice, sent.Message.ID)
	req.NoError(err)
	req.True(deleted.IsDeleted)
	req.Equal(1, bobLaptop.count(model.EventMessageDeleted))

	page, err := h.chats.ListMessages(context.Background(), bob, chat.ID, 1, 50)
	req.NoError(err)
	req.Empty(page.Messages)
}

func TestArchive(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	bobLaptop := h.connect(t, bob, "bob-laptop")

	archived, err := h.chats.Archive(context.Background(), alice, chat.ID)
	req.NoError(err)
	req.False(archived.IsActive)
	req.Equal(1, bobLaptop.count(model.EventChatUpdated))

	_, err = h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: bob, Content: "still there?"})
	req.ErrorIs(err, model.ErrChatArchived)
}

func TestOversight(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	chat := h.chat(t, alice, bob)
	h.chat(t, carol, dave)
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)
	_, err := h.messages.Send(context.Background(), SendInput{ChatID: chat.ID, Sender: alice, Content: "hello"})
	req.NoError(err)

	_, err = h.chats.ListAllChats(context.Background(), alice, 1, 10)
	req.ErrorIs(err, model.ErrForbidden)
	_, err = h.chats.ListChatMessages(context.Background(), alice, chat.ID, 1, 10)
	req.ErrorIs(err, model.ErrForbidden)

	all, err := h.chats.ListAllChats(context.Background(), root, 1, 1)
	req.NoError(err)
	req.Equal(2, all.Total)
	req.True(all.HasMore)
	req.Len(all.Chats, 1)

	msgs, err := h.chats.ListChatMessages(context.Background(), root, chat.ID, 1, 10)
	req.NoError(err)
	req.Len(msgs.Messages, 1)

	_, err = h.chats.ListMessages(context.Background(), root, chat.ID, 1, 10)
	req.ErrorIs(err, model.ErrNotParticipant)

	got, err := h.chats.GetChat(context.Background(), root, chat.ID)
	req.NoError(err)
	req.Equal(chat.ID, got.ID)
	_, err = h.chats.GetChat(context.Background(), carol, chat.ID)
	req.ErrorIs(err, model.ErrNotParticipant)
}

func TestListChats(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	first := h.chat(t, alice, bob)
	second := h.chat(t, alice, dave)
	h.notifier.On("Publish", mock.Anything, mock.Anything).Return(nil)

	_, err := h.messages.Send(context.Background(), SendInput{ChatID: second.ID, Sender: dave, Content: "quote attached"})
	req.NoError(err)
	_, err = h.messages.Send(context.Background(), SendInput{ChatID: first.ID, Sender: bob, Content: "see you"})
	req.NoError(err)

	list, err := h.chats.ListChats(context.Background(), alice, 1, 1)
	req.NoError(err)
	req.Equal(2, list.Total)
	req.True(list.HasMore)
	req.Equal(first.ID, list.Chats[0].ID)
	req.Equal(1, list.Chats[0].UnreadCount)
	req.Equal("see you", list.Chats[0].LastMessagePreview)
}
