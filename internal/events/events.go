// Package events implements pnwsync's in-process event bus. Entity
// Store writes publish field-level change events that downstream consumers
// attach to; there is no external API of its own.
//
// The bus is backed by an embedded NATS core server reached over an
// in-process pipe connection (nats.go's InProcessServer option) rather than
// a hand-rolled map-of-slices dispatcher: no socket ever leaves the process,
// so the "in-process" contract holds, while the publish/subscribe API
// follows the same idiom a networked NATS-backed bus would use elsewhere in
// this stack.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// SubjectAccountDiscordIDUpdate is the one downstream event name that isn't
// derived from a (kind, event-or-field) pair: the account-update special
// case.
const SubjectAccountDiscordIDUpdate = "account_discord_id_update"

// EventName builds the downstream event name for a lifecycle event
// ("nation_create", "alliance_delete", ...) or a field-level change
// ("nation_score_update", "city_infrastructure_update", ...).
func EventName(kind string, eventOrField string) string {
	return fmt.Sprintf("%s_%s", kind, eventOrField)
}

// FieldEventName builds the per-field update event name for kind: exactly
// one such event is published per changed field per update.
func FieldEventName(kind, field string) string {
	return fmt.Sprintf("%s_%s_update", kind, field)
}

// ReconcileStartedEvent returns the event name a Reconciler run publishes
// when it begins syncing kind.
func ReconcileStartedEvent(kind string) string { return fmt.Sprintf("reconcile_%s_started", kind) }

// ReconcileCompletedEvent returns the event name a Reconciler run publishes
// when it finishes syncing kind.
func ReconcileCompletedEvent(kind string) string { return fmt.Sprintf("reconcile_%s_completed", kind) }

// Handler processes a single delivered event payload. Handlers never
// propagate errors back to the bus; returning one only affects logging.
type Handler func(data []byte) error

// Bus wraps an embedded, in-process-only NATS core server and provides
// publish/subscribe methods over pnwsync's downstream event names. FIFO
// delivery holds within a single event name; no ordering is guaranteed
// across distinct event names.
type Bus struct {
	srv    *server.Server
	conn   *nats.Conn
	logger *slog.Logger
}

// New starts an embedded NATS server bound to no network listener
// (Options.DontListen) and connects to it over an in-process pipe, giving
// an in-process publish/subscribe bus with no external exposure.
func New(logger *slog.Logger) (*Bus, error) {
	opts := &server.Options{
		DontListen: true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded event bus server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5_000_000_000) {
		return nil, fmt.Errorf("embedded event bus server did not become ready")
	}

	nc, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connecting to embedded event bus: %w", err)
	}

	logger.Info("event bus ready")
	return &Bus{srv: srv, conn: nc, logger: logger}, nil
}

// Close closes the connection and shuts down the embedded server.
func (b *Bus) Close() {
	b.conn.Close()
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}

// Publish JSON-encodes data and publishes it under the given event name.
func (b *Bus) Publish(name string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", name, err)
	}
	if err := b.conn.Publish(name, raw); err != nil {
		return fmt.Errorf("publishing %s: %w", name, err)
	}
	return nil
}

// Subscribe registers handler to run for every payload published under
// name. Handler panics and errors are caught, logged, and isolated from the
// bus's own dispatch loop.
func (b *Bus) Subscribe(name string, handler Handler) (*nats.Subscription, error) {
	return b.conn.Subscribe(name, func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					slog.String("event", name),
					slog.Any("recover", r))
			}
		}()

		if err := handler(msg.Data); err != nil {
			b.logger.Error("event handler failed",
				slog.String("event", name),
				slog.String("error", err.Error()))
		}
	})
}
