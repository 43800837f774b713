// Package dispatch routes inbound push messages to subscribed callbacks.
// Subscriptions are keyed by message type plus an optional filter predicate
// and target id; delivery is in registration order with each callback
// isolated inside its own recover boundary.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentlink/internal/protocol"
)

// Handler receives a matching inbound envelope.
type Handler func(env protocol.Envelope)

// Options narrows a subscription beyond the message type.
type Options struct {
	// Filter, when set, must return true for the envelope to be delivered.
	Filter func(env protocol.Envelope) bool
	// TargetID, when set, must equal the envelope's declared target id.
	TargetID string
}

// ErrorHandler is notified when a callback panics during delivery. Delivery
// to the remaining subscriptions continues regardless.
type ErrorHandler func(subscriptionID string, typ protocol.Type, recovered any)

type subscription struct {
	id     string
	typ    protocol.Type
	opts   Options
	fn     Handler
	active bool
}

// Registry is the subscription table. One per client.
type Registry struct {
	mu     sync.Mutex
	subs   []*subscription // registration order
	byID   map[string]*subscription
	logger *slog.Logger
	onErr  ErrorHandler
}

// New creates a Registry. logger and onErr may be nil.
func New(logger *slog.Logger, onErr ErrorHandler) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:   make(map[string]*subscription),
		logger: logger,
		onErr:  onErr,
	}
}

// Subscribe registers fn for envelopes of type typ. opts may be nil. The
// returned function removes the subscription and is safe to call more than
// once.
func (r *Registry) Subscribe(typ protocol.Type, fn Handler, opts *Options) func() {
	sub := &subscription{
		id:     uuid.NewString(),
		typ:    typ,
		fn:     fn,
		active: true,
	}
	if opts != nil {
		sub.opts = *opts
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.byID[sub.id] = sub
	r.mu.Unlock()

	return func() { r.unsubscribe(sub.id) }
}

func (r *Registry) unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		// Already removed; unsubscribing is idempotent.
		return
	}
	sub.active = false
	delete(r.byID, id)
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
}

// Dispatch delivers env to every active matching subscription, in
// registration order. A panicking callback is reported to the error handler
// and does not stop delivery to later subscriptions.
func (r *Registry) Dispatch(env protocol.Envelope) {
	r.mu.Lock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range r.subs {
		if !sub.active || sub.typ != env.Type {
			continue
		}
		if sub.opts.TargetID != "" && sub.opts.TargetID != env.TargetID {
			continue
		}
		matched = append(matched, sub)
	}
	r.mu.Unlock()

	for _, sub := range matched {
		if sub.opts.Filter != nil && !sub.opts.Filter(env) {
			continue
		}
		r.deliver(sub, env)
	}
}

func (r *Registry) deliver(sub *subscription, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription callback panicked",
				"subscription_id", sub.id,
				"type", string(env.Type),
				"panic", fmt.Sprint(rec),
			)
			if r.onErr != nil {
				r.onErr(sub.id, env.Type, rec)
			}
		}
	}()
	sub.fn(env)
}

// Clear removes every subscription. Called on full disconnect, since the
// server-side routing state backing them is gone.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		sub.active = false
	}
	r.subs = nil
	r.byID = make(map[string]*subscription)
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
