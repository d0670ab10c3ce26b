// Package channelregistry implements the Channel Registry: a
// mapping from channel name to a set of (event name -> callbacks), with
// UNSUBSCRIBED -> SUBSCRIBED transitions driven by the wire's
// pusher_internal:subscription_succeeded frame.
package channelregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/komodohq/pnwsync/internal/wire"
)

const (
	eventSubscribe            = "pusher:subscribe"
	eventUnsubscribe          = "pusher:unsubscribe"
	eventSubscriptionSucceed  = "pusher_internal:subscription_succeeded"
)

// ChannelState is a channel's subscription lifecycle state.
type ChannelState int

const (
	Unsubscribed ChannelState = iota
	Subscribed
)

// Callback handles a single inbound (channel, event) frame payload.
// Callback failures are logged, never propagated to the wire loop.
type Callback func(data json.RawMessage) error

// Sender is the subset of the Wire Client the registry needs to emit
// subscribe/unsubscribe frames.
type Sender interface {
	Send(ctx context.Context, f wire.Frame) error
}

type channel struct {
	state ChannelState
	binds map[string][]Callback
	auth  string
}

// Registry owns every channel's subscription state and callback bindings.
// It implements wire.ChannelDemuxer.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*channel
	sender   Sender
	logger   *slog.Logger
}

// New constructs an empty Registry bound to sender for emitting frames.
func New(sender Sender, logger *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*channel),
		sender:   sender,
		logger:   logger,
	}
}

// Bind registers callback to run for every inbound frame on (channelName,
// event), subscribing the channel first if this is its first binding.
// Callbacks for a given (channel, event) run in registration order.
func (r *Registry) Bind(ctx context.Context, channelName, event string, cb Callback) error {
	r.mu.Lock()
	ch, ok := r.channels[channelName]
	firstBind := false
	if !ok {
		ch = &channel{state: Unsubscribed, binds: make(map[string][]Callback)}
		r.channels[channelName] = ch
		firstBind = true
	}
	ch.binds[event] = append(ch.binds[event], cb)
	r.mu.Unlock()

	if firstBind {
		return r.subscribe(ctx, channelName)
	}
	return nil
}

// BindPrivate marks channelName as requiring a signed auth token, obtained
// by the caller ahead of time, before subscribing. The upstream this core
// talks to uses only public channels; this entry point exists for
// completeness.
func (r *Registry) BindPrivate(ctx context.Context, channelName, event, authToken string, cb Callback) error {
	r.mu.Lock()
	ch, ok := r.channels[channelName]
	if !ok {
		ch = &channel{state: Unsubscribed, binds: make(map[string][]Callback)}
		r.channels[channelName] = ch
	}
	ch.auth = authToken
	firstBind := len(ch.binds[event]) == 0 && len(ch.binds) == 0
	ch.binds[event] = append(ch.binds[event], cb)
	r.mu.Unlock()

	if firstBind {
		return r.subscribe(ctx, channelName)
	}
	return nil
}

func (r *Registry) subscribe(ctx context.Context, channelName string) error {
	r.mu.Lock()
	ch := r.channels[channelName]
	data := map[string]string{"channel": channelName}
	if ch.auth != "" {
		data["auth"] = ch.auth
	}
	r.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling subscribe data for %s: %w", channelName, err)
	}
	return r.sender.Send(ctx, wire.Frame{Event: eventSubscribe, Data: raw})
}

// Unsubscribe emits an unsubscribe frame and removes the channel's local
// entry immediately, without waiting for an upstream ack (unsubscribe acks
// are not always sent). Idempotent: calling Unsubscribe for an unknown
// channel is a no-op.
func (r *Registry) Unsubscribe(ctx context.Context, channelName string) error {
	r.mu.Lock()
	_, ok := r.channels[channelName]
	if ok {
		delete(r.channels, channelName)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	raw, err := json.Marshal(map[string]string{"channel": channelName})
	if err != nil {
		return fmt.Errorf("marshaling unsubscribe data for %s: %w", channelName, err)
	}
	return r.sender.Send(ctx, wire.Frame{Event: eventUnsubscribe, Data: raw})
}

// State returns the current subscription state of channelName.
func (r *Registry) State(channelName string) ChannelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelName]
	if !ok {
		return Unsubscribed
	}
	return ch.state
}

// Dispatch implements wire.ChannelDemuxer: it routes an inbound frame to
// every callback bound to (channel, event), in registration order, and
// handles the subscription_succeeded transition.
func (r *Registry) Dispatch(channelName, event string, data json.RawMessage) {
	if event == eventSubscriptionSucceed {
		r.mu.Lock()
		if ch, ok := r.channels[channelName]; ok {
			ch.state = Subscribed
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	ch, ok := r.channels[channelName]
	var cbs []Callback
	if ok {
		cbs = append(cbs, ch.binds[event]...)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	for _, cb := range cbs {
		if err := cb(data); err != nil {
			r.logger.Warn("channel callback failed",
				slog.String("channel", channelName),
				slog.String("event", event),
				slog.String("error", err.Error()))
		}
	}
}
