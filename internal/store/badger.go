package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// maxTxnAttempts bounds optimistic retries when two writers touch the same chat.
const maxTxnAttempts = 16

// Badger is an embedded, persistent Store for single-node deployments.
//
// Key layout:
//
//	chat:{chatID}                 -> JSON chat
//	pair:{low}:{high}             -> chat id
//	uchat:{userID}:{chatID}       -> empty, membership index
//	msg:{chatID}:{seq 20 digits}  -> JSON message, write order
//	msgid:{messageID}             -> msg key
//
// Every chat mutation runs inside one badger transaction. Concurrent writers to
// the same chat conflict on the chat key and the loser is retried from scratch,
// so no unread increment is lost.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time
}

// OpenBadger opens (or creates) a store under dir.
func OpenBadger(dir string, inMemory bool) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq:messages"), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger: sequence: %w", err)
	}
	return &Badger{
		db:  db,
		seq: seq,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

var _ Store = (*Badger)(nil)

func chatKey(id string) []byte { return []byte("chat:" + id) }
func pairKey(a, b string) []byte { return []byte("pair:" + PairKey(a, b)) }
func userChatPrefix(u string) []byte { return []byte("uchat:" + u + ":") }
func userChatKey(u, c string) []byte { return []byte("uchat:" + u + ":" + c) }
func msgPrefix(chatID string) []byte { return []byte("msg:" + chatID + ":") }
func msgIDKey(id string) []byte { return []byte("msgid:" + id) }
func msgKey(chatID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", chatID, seq))
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger: too many conflicts: %w", err)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func loadChat(txn *badger.Txn, chatID string) (*model.Chat, error) {
	var chat model.Chat
	if err := getJSON(txn, chatKey(chatID), &chat); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
		}
		return nil, err
	}
	return &chat, nil
}

// CreateOrGetChat implements Store.
func (s *Badger) CreateOrGetChat(ctx context.Context, client, craftsman model.Identity, jobID *string) (*model.Chat, bool, error) {
	if client.UserID == craftsman.UserID {
		return nil, false, model.ErrSelfChat
	}

	var (
		result  *model.Chat
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		item, err := txn.Get(pairKey(client.UserID, craftsman.UserID))
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result, err = loadChat(txn, string(id))
			return err
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		if err := CheckNewChat(client, craftsman); err != nil {
			return err
		}
		now := s.now()
		chat := &model.Chat{
			ID:          uuid.Must(uuid.NewV7()).String(),
			ClientID:    client.UserID,
			CraftsmanID: craftsman.UserID,
			JobID:       jobID,
			UnreadCounts: map[string]int{
				client.UserID:    0,
				craftsman.UserID: 0,
			},
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := setJSON(txn, chatKey(chat.ID), chat); err != nil {
			return err
		}
		if err := txn.Set(pairKey(client.UserID, craftsman.UserID), []byte(chat.ID)); err != nil {
			return err
		}
		for _, p := range chat.Participants() {
			if err := txn.Set(userChatKey(p, chat.ID), nil); err != nil {
				return err
			}
		}
		result, created = chat, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// GetChat implements Store.
func (s *Badger) GetChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var chat *model.Chat
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		chat, err = loadChat(txn, chatID)
		return err
	})
	return chat, err
}

func (s *Badger) chatsByPrefix(prefix []byte, keyToChatID func(key []byte) string) ([]*model.Chat, error) {
	var chats []*model.Chat
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, keyToChatID(it.Item().KeyCopy(nil)))
		}
		for _, id := range ids {
			chat, err := loadChat(txn, id)
			if err != nil {
				return err
			}
			chats = append(chats, chat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortByActivity(chats)
	return chats, nil
}

func (s *Badger) userChats(userID string) ([]*model.Chat, error) {
	prefix := userChatPrefix(userID)
	return s.chatsByPrefix(prefix, func(key []byte) string { return string(key[len(prefix):]) })
}

func window(chats []*model.Chat, page, limit int) []model.Chat {
	start, end := Window(len(chats), page, limit)
	out := make([]model.Chat, 0, end-start)
	for _, c := range chats[start:end] {
		out = append(out, *c)
	}
	return out
}

// ListChats implements Store.
func (s *Badger) ListChats(ctx context.Context, userID string, page, limit int) ([]model.Chat, int, error) {
	page, limit = Clamp(page, limit)
	chats, err := s.userChats(userID)
	if err != nil {
		return nil, 0, err
	}
	return window(chats, page, limit), len(chats), nil
}

// ListAllChats implements Store.
func (s *Badger) ListAllChats(ctx context.Context, page, limit int) ([]model.Chat, int, error) {
	page, limit = Clamp(page, limit)
	prefix := []byte("chat:")
	chats, err := s.chatsByPrefix(prefix, func(key []byte) string { return string(key[len(prefix):]) })
	if err != nil {
		return nil, 0, err
	}
	return window(chats, page, limit), len(chats), nil
}

// ChatIDsForUser implements Store.
func (s *Badger) ChatIDsForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	chats, err := s.userChats(userID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids, nil
}

// ArchiveChat implements Store.
func (s *Badger) ArchiveChat(ctx context.Context, chatID, requesterID string) (*model.Chat, error) {
	var chat *model.Chat
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		chat, err = loadChat(txn, chatID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(requesterID) {
			return model.ErrNotParticipant
		}
		chat.IsActive = false
		chat.UpdatedAt = s.now()
		return setJSON(txn, chatKey(chatID), chat)
	})
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// AppendMessage implements Store.
func (s *Badger) AppendMessage(ctx context.Context, in model.NewMessage) (*model.Message, *model.Chat, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	id := in.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	var (
		msg  *model.Message
		chat *model.Chat
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		chat, err = loadChat(txn, in.ChatID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(in.SenderID) {
			return model.ErrNotParticipant
		}
		if !chat.IsActive {
			return model.ErrChatArchived
		}

		seq, err := s.seq.Next()
		if err != nil {
			return err
		}
		now := s.now()
		msg = &model.Message{
			ID:              id,
			ChatID:          in.ChatID,
			SenderID:        in.SenderID,
			Type:            in.Type,
			Content:         in.Content,
			Timestamp:       now,
			Sequence:        seq + 1,
			ClientMessageID: in.ClientMessageID,
		}
		key := msgKey(chat.ID, msg.Sequence)
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		if err := txn.Set(msgIDKey(msg.ID), key); err != nil {
			return err
		}

		chat.LastMessagePreview = model.Preview(msg.Type, msg.Content)
		chat.LastMessageAt = &now
		chat.LastMessageSenderID = msg.SenderID
		chat.UnreadCounts[chat.Other(msg.SenderID)]++
		chat.UpdatedAt = now
		return setJSON(txn, chatKey(chat.ID), chat)
	})
	if err != nil {
		return nil, nil, err
	}
	return msg, chat, nil
}

func loadMessageByID(txn *badger.Txn, messageID string) ([]byte, *model.Message, error) {
	item, err := txn.Get(msgIDKey(messageID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
		}
		return nil, nil, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	var msg model.Message
	if err := getJSON(txn, key, &msg); err != nil {
		return nil, nil, err
	}
	return key, &msg, nil
}

// GetMessage implements Store.
func (s *Badger) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var msg *model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		_, msg, err = loadMessageByID(txn, messageID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if msg.IsDeleted {
		return nil, fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
	}
	return msg, nil
}

// ListMessages implements Store. It walks the chat's messages newest first,
// skips deleted ones and earlier pages, then reverses the window.
func (s *Badger) ListMessages(ctx context.Context, q model.MessageQuery) ([]model.Message, bool, error) {
	page, limit := Clamp(q.Page, q.Limit)
	skip := (page - 1) * limit

	var (
		msgs    []model.Message
		hasMore bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		chat, err := loadChat(txn, q.ChatID)
		if err != nil {
			return err
		}
		if !q.Oversight && !chat.HasParticipant(q.RequesterID) {
			return model.ErrNotParticipant
		}

		prefix := msgPrefix(q.ChatID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			var m model.Message
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
				return err
			}
			if m.IsDeleted {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			if len(msgs) == limit {
				hasMore = true
				break
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, hasMore, nil
}

// MarkRead implements Store.
func (s *Badger) MarkRead(ctx context.Context, chatID, readerID string) (int, *model.Chat, error) {
	var (
		changed int
		chat    *model.Chat
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		changed = 0
		var err error
		chat, err = loadChat(txn, chatID)
		if err != nil {
			return err
		}
		if !chat.HasParticipant(readerID) {
			return model.ErrNotParticipant
		}

		now := s.now()
		type pending struct {
			key []byte
			msg model.Message
		}
		var updates []pending

		prefix := msgPrefix(chatID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m model.Message
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
				it.Close()
				return err
			}
			if m.SenderID == readerID || m.IsRead {
				continue
			}
			m.IsRead = true
			at := now
			m.ReadAt = &at
			updates = append(updates, pending{key: it.Item().KeyCopy(nil), msg: m})
		}
		it.Close()

		for _, u := range updates {
			if err := setJSON(txn, u.key, u.msg); err != nil {
				return err
			}
		}
		changed = len(updates)

		chat.UnreadCounts[readerID] = 0
		if changed > 0 {
			chat.UpdatedAt = now
		}
		return setJSON(txn, chatKey(chatID), chat)
	})
	if err != nil {
		return 0, nil, err
	}
	return changed, chat, nil
}

// SoftDeleteMessage implements Store.
func (s *Badger) SoftDeleteMessage(ctx context.Context, messageID, requesterID string) (*model.Message, error) {
	var msg *model.Message
	err := s.update(ctx, func(txn *badger.Txn) error {
		key, m, err := loadMessageByID(txn, messageID)
		if err != nil {
			return err
		}
		if m.IsDeleted {
			return fmt.Errorf("message %s: %w", messageID, model.ErrNotFound)
		}
		if m.SenderID != requesterID {
			return model.ErrForbidden
		}
		now := s.now()
		m.IsDeleted = true
		m.DeletedAt = &now
		msg = m
		return setJSON(txn, key, m)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Ping implements Store.
func (s *Badger) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: closed")
	}
	return nil
}

// Close releases the sequence lease and closes the database.
func (s *Badger) Close() error {
	if err := s.seq.Release(); err != nil {
		return err
	}
	return s.db.Close()
}
