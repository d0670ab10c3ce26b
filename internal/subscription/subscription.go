// Package subscription implements a single (kind, event) Subscription:
// bootstrap against the upstream subscribe endpoint, binding the three
// wire event names, per-record data callback validation, and
// METADATA-driven gap detection and self-healing.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/komodohq/pnwsync/internal/channelregistry"
	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/models"
	"github.com/komodohq/pnwsync/internal/restclient"
)

// Handler processes one decoded record's raw JSON. Typically exactly one
// handler is registered per Subscription: the Entity Store writer.
type Handler func(ctx context.Context, raw json.RawMessage) error

// Subscriber is the subset of the REST Client a Subscription needs.
type Subscriber interface {
	Subscribe(ctx context.Context, kind, event string, include []string, since *restclient.SinceCursor) (string, error)
}

// Binder is the subset of the Channel Registry a Subscription needs.
type Binder interface {
	Bind(ctx context.Context, channel, event string, cb channelregistry.Callback) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Subscription represents one live (kind, event) pair.
type Subscription struct {
	Kind    models.Kind
	Event   models.EventKind
	Include []string

	rest    Subscriber
	reg     Binder
	handler Handler
	m       *metrics.Registry
	logger  *slog.Logger

	ctx context.Context

	mu      sync.Mutex
	channel string
	cached  *models.Metadata
}

// New constructs a Subscription. handler is invoked once per decoded
// record; m may be nil in tests that don't care about metrics.
func New(kind models.Kind, event models.EventKind, include []string, rest Subscriber, reg Binder, handler Handler, m *metrics.Registry, logger *slog.Logger) *Subscription {
	return &Subscription{
		Kind:    kind,
		Event:   event,
		Include: include,
		rest:    rest,
		reg:     reg,
		handler: handler,
		m:       m,
		logger:  logger,
	}
}

// Start bootstraps the Subscription: calls the subscribe endpoint, then
// binds the three wire events on the returned channel.
// ctx is retained for the lifetime of the Subscription's callbacks.
func (s *Subscription) Start(ctx context.Context) error {
	s.ctx = ctx
	return s.bootstrap(ctx, nil)
}

func (s *Subscription) bootstrap(ctx context.Context, since *restclient.SinceCursor) error {
	channel, err := s.rest.Subscribe(ctx, string(s.Kind), string(s.Event), s.Include, since)
	if err != nil {
		return fmt.Errorf("subscribing %s/%s: %w", s.Kind, s.Event, err)
	}

	s.mu.Lock()
	s.channel = channel
	s.mu.Unlock()

	upperKind := strings.ToUpper(string(s.Kind))
	upperEvent := strings.ToUpper(string(s.Event))
	singleEvent := fmt.Sprintf("%s_%s", upperKind, upperEvent)
	bulkEvent := fmt.Sprintf("BULK_%s_%s", upperKind, upperEvent)
	metaEvent := fmt.Sprintf("%s_%s_METADATA", upperKind, upperEvent)

	if err := s.reg.Bind(ctx, channel, singleEvent, s.onSingle); err != nil {
		return fmt.Errorf("binding %s: %w", singleEvent, err)
	}
	if err := s.reg.Bind(ctx, channel, bulkEvent, s.onBulk); err != nil {
		return fmt.Errorf("binding %s: %w", bulkEvent, err)
	}
	if err := s.reg.Bind(ctx, channel, metaEvent, s.onMetadata); err != nil {
		return fmt.Errorf("binding %s: %w", metaEvent, err)
	}

	if m := s.m; m != nil {
		m.SubscriptionStatus.WithLabelValues(string(s.Kind), string(s.Event)).Set(1)
	}
	return nil
}

func (s *Subscription) onSingle(raw json.RawMessage) error {
	if err := s.handler(s.ctx, raw); err != nil {
		s.logger.Warn("data callback failed, record dropped",
			slog.String("kind", string(s.Kind)), slog.String("event", string(s.Event)),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *Subscription) onBulk(raw json.RawMessage) error {
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		s.logger.Warn("malformed bulk payload, dropped",
			slog.String("kind", string(s.Kind)), slog.String("event", string(s.Event)),
			slog.String("error", err.Error()))
		return nil
	}
	for _, rec := range records {
		if err := s.handler(s.ctx, rec); err != nil {
			s.logger.Warn("data callback failed, record dropped",
				slog.String("kind", string(s.Kind)), slog.String("event", string(s.Event)),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// onMetadata implements gap detection. It runs
// inline in the channel's dispatch, so it cannot race with onSingle/onBulk
// on the same channel.
func (s *Subscription) onMetadata(raw json.RawMessage) error {
	var meta models.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("malformed metadata payload, dropped",
			slog.String("kind", string(s.Kind)), slog.String("event", string(s.Event)),
			slog.String("error", err.Error()))
		return nil
	}

	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()

	if cached == nil {
		s.mu.Lock()
		s.cached = &meta
		s.mu.Unlock()
		return nil
	}

	// An after exactly one nanosecond past cached.Max is contiguous; anything
	// later means events in between were missed.
	next := models.MetadataTime{Millis: cached.Max.Millis, Nanos: cached.Max.Nanos + 1}
	if next.Less(meta.After) {
		if m := s.m; m != nil {
			m.GapsDetected.WithLabelValues(string(s.Kind), string(s.Event)).Inc()
		}
		s.logger.Warn("gap detected, resubscribing",
			slog.String("kind", string(s.Kind)), slog.String("event", string(s.Event)),
			slog.Int64("cached_max_millis", cached.Max.Millis), slog.Int64("new_after_millis", meta.After.Millis))
		since := restclient.SinceCursor{Millis: cached.Max.Millis, Nanos: cached.Max.Nanos - 1}
		if err := s.resubscribe(s.ctx, since); err != nil {
			s.logger.Error("gap resubscribe failed",
				slog.String("kind", string(s.Kind)), slog.String("event", string(s.Event)),
				slog.String("error", err.Error()))
			return nil
		}
		if m := s.m; m != nil {
			m.GapsHealed.WithLabelValues(string(s.Kind), string(s.Event)).Inc()
		}
		return nil
	}

	s.mu.Lock()
	s.cached = &meta
	s.mu.Unlock()
	return nil
}

func (s *Subscription) resubscribe(ctx context.Context, since restclient.SinceCursor) error {
	s.mu.Lock()
	oldChannel := s.channel
	s.mu.Unlock()

	if oldChannel != "" {
		if err := s.reg.Unsubscribe(ctx, oldChannel); err != nil {
			return fmt.Errorf("unsubscribing stale channel: %w", err)
		}
	}
	return s.bootstrap(ctx, &since)
}

// Stop unsubscribes the Subscription's channel. Idempotent: unsubscribing a
// Subscription with no live channel is a no-op.
func (s *Subscription) Stop(ctx context.Context) error {
	s.mu.Lock()
	channel := s.channel
	s.channel = ""
	s.mu.Unlock()

	if channel == "" {
		return nil
	}

	if m := s.m; m != nil {
		m.SubscriptionStatus.WithLabelValues(string(s.Kind), string(s.Event)).Set(0)
	}
	return s.reg.Unsubscribe(ctx, channel)
}
