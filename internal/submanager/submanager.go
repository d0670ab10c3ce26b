// Package submanager implements the Subscription Manager: the
// (kind, event) → Subscription map, the subscribe-side critical region, and
// the boot sequence that opens every configured Subscription in parallel.
package submanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/models"
	"github.com/komodohq/pnwsync/internal/store"
	"github.com/komodohq/pnwsync/internal/subscription"
)

// Store is the subset of the Entity Store a Subscription Manager's
// generated handlers write through.
type Store interface {
	ApplyAllianceCreate(ctx context.Context, a models.Alliance) error
	ApplyAllianceUpdate(ctx context.Context, a models.Alliance) error
	ApplyAllianceDelete(ctx context.Context, id int64) error

	ApplyAlliancePositionCreate(ctx context.Context, p models.AlliancePosition) error
	ApplyAlliancePositionUpdate(ctx context.Context, p models.AlliancePosition) error
	ApplyAlliancePositionDelete(ctx context.Context, id int64) error

	ApplyNationCreate(ctx context.Context, n models.Nation) error
	ApplyNationUpdate(ctx context.Context, n models.Nation) error
	ApplyNationDelete(ctx context.Context, id int64) error

	ApplyCityCreate(ctx context.Context, c models.City) error
	ApplyCityUpdate(ctx context.Context, c models.City) error
	ApplyCityDelete(ctx context.Context, id int64) error

	ApplyAccountUpdate(ctx context.Context, acc models.AccountUpdate) error
}

var _ Store = (*store.Store)(nil)

// Manager owns the (kind, event) → Subscription map and the subscribe lock
// that serializes subscribe-side transitions across Subscriptions.
type Manager struct {
	rest   subscription.Subscriber
	reg    subscription.Binder
	st     Store
	m      *metrics.Registry
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription.Subscription
}

// New constructs a Manager with no open Subscriptions; StartAll opens the
// configured ones.
func New(rest subscription.Subscriber, reg subscription.Binder, st Store, m *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		rest:   rest,
		reg:    reg,
		st:     st,
		m:      m,
		logger: logger,
		subs:   make(map[string]*subscription.Subscription),
	}
}

func subKey(kind models.Kind, event models.EventKind) string {
	return string(kind) + "/" + string(event)
}

// Subscribe opens a Subscription for (kind, event), or returns the existing
// one if already open. Idempotent: calling Subscribe twice for the same
// (kind, event) returns the same Subscription.
func (mgr *Manager) Subscribe(ctx context.Context, kind models.Kind, event models.EventKind, include []string) (*subscription.Subscription, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	key := subKey(kind, event)
	if existing, ok := mgr.subs[key]; ok {
		return existing, nil
	}

	handler, err := mgr.handlerFor(kind, event)
	if err != nil {
		return nil, err
	}

	sub := subscription.New(kind, event, include, mgr.rest, mgr.reg, handler, mgr.m, mgr.logger)
	if err := sub.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting subscription %s: %w", key, err)
	}
	mgr.subs[key] = sub
	return sub, nil
}

// StartAll opens every (kind, event) pair named in modelEvents (kind ->
// allowed event names, taken from config.SubscriptionsConfig) in parallel. The
// Orchestrator calls this after the Reconciler's initial sweep.
func (mgr *Manager) StartAll(ctx context.Context, modelEvents map[string][]string) error {
	type outcome struct {
		key string
		err error
	}
	var wg sync.WaitGroup
	results := make(chan outcome)

	for kindStr, events := range modelEvents {
		for _, eventStr := range events {
			wg.Add(1)
			go func(kind models.Kind, event models.EventKind) {
				defer wg.Done()
				_, err := mgr.Subscribe(ctx, kind, event, nil)
				results <- outcome{key: subKey(kind, event), err: err}
			}(models.Kind(kindStr), models.EventKind(eventStr))
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for res := range results {
		if res.err != nil {
			mgr.logger.Error("subscription failed to start", slog.String("subscription", res.key), slog.String("error", res.err.Error()))
			if firstErr == nil {
				firstErr = res.err
			}
		}
	}
	return firstErr
}

// StopAll unsubscribes every open Subscription.
func (mgr *Manager) StopAll(ctx context.Context) {
	mgr.mu.Lock()
	subs := make([]*subscription.Subscription, 0, len(mgr.subs))
	for _, sub := range mgr.subs {
		subs = append(subs, sub)
	}
	mgr.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Stop(ctx); err != nil {
			mgr.logger.Error("stopping subscription", slog.String("kind", string(sub.Kind)), slog.String("event", string(sub.Event)), slog.String("error", err.Error()))
		}
	}
}

// FetchSnapshot returns kind's full current population from the upstream,
// used by the Reconciler's full-table sweeps.
func (mgr *Manager) FetchSnapshot(ctx context.Context, kind string) ([]json.RawMessage, error) {
	snapper, ok := mgr.rest.(interface {
		Snapshot(ctx context.Context, kind string) ([]json.RawMessage, error)
	})
	if !ok {
		return nil, fmt.Errorf("submanager: rest client does not support snapshots")
	}
	return snapper.Snapshot(ctx, kind)
}

func (mgr *Manager) handlerFor(kind models.Kind, event models.EventKind) (subscription.Handler, error) {
	switch kind {
	case models.KindAlliance:
		return allianceHandler(mgr.st, event)
	case models.KindAlliancePosition:
		return alliancePositionHandler(mgr.st, event)
	case models.KindNation:
		return nationHandler(mgr.st, event)
	case models.KindCity:
		return cityHandler(mgr.st, event)
	case models.KindAccount:
		if event != models.EventUpdate {
			return nil, fmt.Errorf("submanager: account only supports the update event, got %s", event)
		}
		return accountHandler(mgr.st), nil
	default:
		return nil, fmt.Errorf("submanager: unknown kind %q", kind)
	}
}

type deleteRecord struct {
	ID int64 `json:"id"`
}

func allianceHandler(st Store, event models.EventKind) (subscription.Handler, error) {
	switch event {
	case models.EventCreate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.Alliance
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyAllianceCreate(ctx, rec)
		}, nil
	case models.EventUpdate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.Alliance
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyAllianceUpdate(ctx, rec)
		}, nil
	case models.EventDelete:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec deleteRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyAllianceDelete(ctx, rec.ID)
		}, nil
	default:
		return nil, fmt.Errorf("submanager: unknown event %q for alliance", event)
	}
}

func alliancePositionHandler(st Store, event models.EventKind) (subscription.Handler, error) {
	switch event {
	case models.EventCreate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.AlliancePosition
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyAlliancePositionCreate(ctx, rec)
		}, nil
	case models.EventUpdate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.AlliancePosition
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyAlliancePositionUpdate(ctx, rec)
		}, nil
	case models.EventDelete:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec deleteRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyAlliancePositionDelete(ctx, rec.ID)
		}, nil
	default:
		return nil, fmt.Errorf("submanager: unknown event %q for alliance_position", event)
	}
}

func nationHandler(st Store, event models.EventKind) (subscription.Handler, error) {
	switch event {
	case models.EventCreate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.Nation
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyNationCreate(ctx, rec)
		}, nil
	case models.EventUpdate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.Nation
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyNationUpdate(ctx, rec)
		}, nil
	case models.EventDelete:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec deleteRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyNationDelete(ctx, rec.ID)
		}, nil
	default:
		return nil, fmt.Errorf("submanager: unknown event %q for nation", event)
	}
}

func cityHandler(st Store, event models.EventKind) (subscription.Handler, error) {
	switch event {
	case models.EventCreate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.City
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyCityCreate(ctx, rec)
		}, nil
	case models.EventUpdate:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec models.City
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyCityUpdate(ctx, rec)
		}, nil
	case models.EventDelete:
		return func(ctx context.Context, raw json.RawMessage) error {
			var rec deleteRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			return st.ApplyCityDelete(ctx, rec.ID)
		}, nil
	default:
		return nil, fmt.Errorf("submanager: unknown event %q for city", event)
	}
}

func accountHandler(st Store) subscription.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var rec models.AccountUpdate
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return st.ApplyAccountUpdate(ctx, rec)
	}
}
