// Package store implements the Entity Store: per-kind
// apply_create/apply_update/apply_delete semantics, field-level diff
// publishing to the Event Bus, foreign-key violation recovery, and the
// account-update special case.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/komodohq/pnwsync/internal/events"
	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/restclient"
)

const pgForeignKeyViolation = "23503"

// linearBackoff is the retry schedule for a required-FK create failure:
// 1s, 2s, 3s, 4s.
var linearBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}

// Bus is the subset of events.Bus the Entity Store needs.
type Bus interface {
	Publish(name string, data interface{}) error
}

// Store applies upstream records to Postgres and publishes field-level
// change events. One Store instance is shared by every kind's Subscription.
type Store struct {
	pool   *pgxpool.Pool
	bus    Bus
	rest   *restclient.Client
	m      *metrics.Registry
	logger *slog.Logger
}

// New constructs a Store.
func New(pool *pgxpool.Pool, bus Bus, rest *restclient.Client, m *metrics.Registry, logger *slog.Logger) *Store {
	return &Store{pool: pool, bus: bus, rest: rest, m: m, logger: logger}
}

// Pool exposes the underlying connection pool for the Reconciler, which
// performs its own batched upserts rather than going through apply_create
// row-by-row.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func isFKViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return pgErr, true
	}
	return nil, false
}

func placeholders(n int, offset int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return strings.Join(parts, ", ")
}

// insertOnConflictDoNothing inserts cols and reports whether a new row was
// created (false means the id already existed).
func (s *Store) insertOnConflictDoNothing(ctx context.Context, table string, cols []Column) (bool, error) {
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING RETURNING id",
		table, strings.Join(Names(cols), ", "), placeholders(len(cols), 0),
	)

	var id int64
	err := s.pool.QueryRow(ctx, query, Values(cols)...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// updateChangedColumns issues an UPDATE statement touching only diffed
// columns.
func (s *Store) updateChangedColumns(ctx context.Context, table string, id int64, diffed []Column) error {
	if len(diffed) == 0 {
		return nil
	}
	sets := make([]string, len(diffed))
	args := make([]any, 0, len(diffed)+1)
	for i, c := range diffed {
		sets[i] = fmt.Sprintf("%s = $%d", c.Name, i+1)
		args = append(args, c.Value)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(diffed)+1)
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// deleteByID logs if a row existed and silently succeeds otherwise.
// Cascades are enforced at schema level.
func (s *Store) deleteByID(ctx context.Context, table, kind string, id int64) error {
	var returnedID int64
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING id", table)
	err := s.pool.QueryRow(ctx, query, id).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if m := s.m; m != nil {
		m.StoreWrites.WithLabelValues(table, "delete").Inc()
	}
	s.logger.Info("deleted row", slog.String("table", table), slog.Int64("id", returnedID))
	s.publish(events.EventName(kind, "delete"), struct {
		ID int64 `json:"id"`
	}{ID: returnedID})
	return nil
}

// finishCreate publishes "{kind}_create" with payload rec if inserted is
// true, incrementing the store-write metric. A false inserted (id already
// present) is the idempotent no-op path and publishes nothing.
func (s *Store) finishCreate(table, kind string, inserted bool, rec any) {
	if !inserted {
		return
	}
	if m := s.m; m != nil {
		m.StoreWrites.WithLabelValues(table, "create").Inc()
	}
	s.publish(events.EventName(kind, "create"), rec)
}

// diffColumns compares two same-shaped column lists (excluding "id") and
// returns the subset of incoming columns whose value differs from stored,
// using the concrete Go types each kind's *Columns function produces (so no
// driver/application type mismatch is possible, unlike diffing against raw
// driver-scanned interface{} values).
func diffColumns(stored, incoming []Column) []Column {
	var diffed []Column
	for i := range incoming {
		if incoming[i].Name == "id" {
			continue
		}
		if !valuesEqual(stored[i].Value, incoming[i].Value) {
			diffed = append(diffed, incoming[i])
		}
	}
	return diffed
}

func valuesEqual(a, b any) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Equal(bt)
	}
	ap, apok := a.(*time.Time)
	bp, bpok := b.(*time.Time)
	if apok && bpok {
		if ap == nil || bp == nil {
			return ap == nil && bp == nil
		}
		return ap.Equal(*bp)
	}
	return reflect.DeepEqual(a, b)
}

func diffedFieldNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// publish wraps Bus.Publish, logging (rather than propagating) a failure:
// event delivery is best-effort and must never block a write.
func (s *Store) publish(name string, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(name, data); err != nil {
		s.logger.Error("publishing event", slog.String("event", name), slog.String("error", err.Error()))
	}
}

// finishUpdate emits a single UPDATE for diffed, then publishes one
// "{kind}_{field}_update" event per diffed field, carrying the row's value
// from before this update was applied.
func (s *Store) finishUpdate(ctx context.Context, table, kind string, id int64, diffed []Column, before any) error {
	if len(diffed) == 0 {
		return nil
	}
	if err := s.updateChangedColumns(ctx, table, id, diffed); err != nil {
		return fmt.Errorf("updating %s id=%d: %w", table, id, err)
	}
	if m := s.m; m != nil {
		m.StoreWrites.WithLabelValues(table, "update").Inc()
	}
	for _, field := range diffedFieldNames(diffed) {
		s.publish(events.FieldEventName(kind, field), before)
	}
	return nil
}
