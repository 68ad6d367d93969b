// Package broadcast fans events out to live connections grouped by chat and user.
package broadcast

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/tradeskill/marketplace-chat/internal/model"
	"github.com/tradeskill/marketplace-chat/pkg/logger"
	"github.com/tradeskill/marketplace-chat/pkg/metrics"
)

// Sink is a live connection able to take an encoded frame without blocking.
type Sink interface {
	ID() string
	Send(frame []byte) error
}

// Envelope is the frame written to every live connection.
type Envelope struct {
	Event model.EventName `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	Data  any             `json:"data,omitempty"`
}

// ChatGroup is the group of every connection subscribed to a chat.
func ChatGroup(chatID string) string { return "chat:" + chatID }

// UserGroup is the group of every connection of one user.
func UserGroup(userID string) string { return "user:" + userID }

// Router keeps connection-scoped group memberships. Closing one device's
// connection never touches another device's subscriptions.
type Router struct {
	mu         sync.RWMutex
	sinks      map[string]Sink                // handle -> sink
	groups     map[string]map[string]struct{} // group -> handles
	membership map[string]map[string]struct{} // handle -> groups

	log *logger.Logger
}

// NewRouter constructs an empty Router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		sinks:      make(map[string]Sink),
		groups:     make(map[string]map[string]struct{}),
		membership: make(map[string]map[string]struct{}),
		log:        log,
	}
}

// Attach makes sink addressable. Subscriptions for unknown handles are ignored.
func (r *Router) Attach(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sinks[sink.ID()] = sink
	if r.membership[sink.ID()] == nil {
		r.membership[sink.ID()] = make(map[string]struct{})
	}
}

// Detach removes handle and all of its memberships.
func (r *Router) Detach(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for group := range r.membership[handle] {
		r.leaveLocked(group, handle)
	}
	delete(r.membership, handle)
	delete(r.sinks, handle)
}

// Subscribe adds handle to group. It reports false for unattached handles.
func (r *Router) Subscribe(handle, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sinks[handle]; !ok {
		return false
	}
	members := r.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[handle] = struct{}{}
	r.membership[handle][group] = struct{}{}
	return true
}

// Unsubscribe removes handle from group.
func (r *Router) Unsubscribe(handle, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(group, handle)
}

func (r *Router) leaveLocked(group, handle string) {
	if members := r.groups[group]; members != nil {
		delete(members, handle)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	if groups := r.membership[handle]; groups != nil {
		delete(groups, group)
	}
}

// IsSubscribed reports whether handle currently belongs to group.
func (r *Router) IsSubscribed(handle, group string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[group][handle]
	return ok
}

// Members returns the handles subscribed to group.
func (r *Router) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.groups[group]))
	for h := range r.groups[group] {
		out = append(out, h)
	}
	return out
}

// Publish delivers event to every connection in group and returns how many
// accepted it. Delivery is best-effort: a closed or saturated sink is skipped.
func (r *Router) Publish(group string, event model.EventName, payload any) int {
	frame, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		r.log.Error("encode event", zap.String("event", string(event)), zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]Sink, 0, len(r.groups[group]))
	for h := range r.groups[group] {
		if s, ok := r.sinks[h]; ok {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(frame); err == nil {
			delivered++
		}
	}
	metrics.RecordPublish(string(event), delivered)
	return delivered
}

// SendTo writes one frame to a single handle, used for acks and errors.
func (r *Router) SendTo(handle string, env Envelope) error {
	r.mu.RLock()
	s, ok := r.sinks[handle]
	r.mu.RUnlock()
	if !ok {
		return model.ErrNotFound
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// Len returns the number of attached sinks.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
