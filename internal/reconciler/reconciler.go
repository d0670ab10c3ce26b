// Package reconciler implements the Reconciler: per-kind
// snapshot→diff→upsert→delete sweeps, dangling-FK resolution, and the
// cities-after-nations delay.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/komodohq/pnwsync/internal/events"
	"github.com/komodohq/pnwsync/internal/metrics"
	"github.com/komodohq/pnwsync/internal/models"
	"github.com/komodohq/pnwsync/internal/store"
)

// Snapshotter is the subset of the REST Client a Reconciler needs.
type Snapshotter interface {
	Snapshot(ctx context.Context, kind string) ([]json.RawMessage, error)
}

// Bus is the subset of the Event Bus a Reconciler needs.
type Bus interface {
	Publish(name string, data interface{}) error
}

// Result summarizes one kind's sweep, published as the reconcile_completed
// payload.
type Result struct {
	Kind     string `json:"kind"`
	RunID    string `json:"run_id"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
	Deleted  int    `json:"deleted"`
}

// Reconciler drives full-table sync sweeps from the upstream's snapshot
// endpoints into the Entity Store's tables.
type Reconciler struct {
	rest        Snapshotter
	pool        *pgxpool.Pool
	bus         Bus
	m           *metrics.Registry
	logger      *slog.Logger
	citiesDelay time.Duration
}

// New constructs a Reconciler. citiesDelay defers the city sweep after
// nations so referencing rows aren't dropped while nations are still
// arriving.
func New(rest Snapshotter, pool *pgxpool.Pool, bus Bus, m *metrics.Registry, logger *slog.Logger, citiesDelay time.Duration) *Reconciler {
	return &Reconciler{rest: rest, pool: pool, bus: bus, m: m, logger: logger, citiesDelay: citiesDelay}
}

func (r *Reconciler) publish(name string, data any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(name, data); err != nil {
		r.logger.Error("publishing reconcile event", slog.String("event", name), slog.String("error", err.Error()))
	}
}

func (r *Reconciler) existingIDs(ctx context.Context, table string, ids []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf("SELECT id FROM %s WHERE id = ANY($1)", table), ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// deleteAbsent removes rows from table whose id is not in keepIDs.
func (r *Reconciler) deleteAbsent(ctx context.Context, table string, keepIDs []int64) (int, error) {
	tag, err := r.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE NOT (id = ANY($1))", table), keepIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// resolveRequiredFK drops rows whose fkColumn references a row absent from
// the local parentTable.
func (r *Reconciler) resolveRequiredFK(ctx context.Context, rows [][]store.Column, fkColumn, parentTable, table string) ([][]store.Column, error) {
	referenced := referencedIDs(rows, fkColumn)
	existingLocally, err := r.existingIDs(ctx, parentTable, referenced)
	if err != nil {
		return nil, fmt.Errorf("checking %s references: %w", fkColumn, err)
	}

	kept, dropped := filterRequiredFK(rows, fkColumn, existingLocally)
	for _, id := range dropped {
		r.logger.Warn("dropping row with dangling required FK",
			slog.String("table", table), slog.String("fk_column", fkColumn), slog.Int64("id", id))
		if m := r.m; m != nil {
			m.StoreDrops.WithLabelValues(table, "dangling_required_fk").Inc()
		}
	}
	return kept, nil
}

// resolveNullableFK nulls fkColumn in place for rows whose reference is
// absent from the local parentTable.
func (r *Reconciler) resolveNullableFK(ctx context.Context, rows [][]store.Column, fkColumn, parentTable, table string) error {
	referenced := referencedIDs(rows, fkColumn)
	existingLocally, err := r.existingIDs(ctx, parentTable, referenced)
	if err != nil {
		return fmt.Errorf("checking %s references: %w", fkColumn, err)
	}
	nulled := nullMissingFK(rows, fkColumn, existingLocally)
	for _, id := range nulled {
		r.logger.Warn("nulling dangling nullable FK",
			slog.String("table", table), slog.String("fk_column", fkColumn), slog.Int64("id", id))
	}
	return nil
}

func decodeSnapshot[T any](raw []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, rec := range raw {
		var v T
		if err := json.Unmarshal(rec, &v); err != nil {
			return nil, fmt.Errorf("decoding snapshot record: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Reconciler) sweep(ctx context.Context, runID models.ULID, kind, table string, cols [][]store.Column, nullableFKNames []string) (Result, error) {
	r.publish(events.ReconcileStartedEvent(kind), struct {
		Kind  string `json:"kind"`
		RunID string `json:"run_id"`
	}{Kind: kind, RunID: runID.String()})

	keepIDs := idsOf(cols)
	inserted, updated, err := r.upsertAll(ctx, table, cols, nullableFKNames)
	if err != nil {
		return Result{Kind: kind, RunID: runID.String()}, fmt.Errorf("upserting %s: %w", table, err)
	}
	deleted, err := r.deleteAbsent(ctx, table, keepIDs)
	if err != nil {
		return Result{Kind: kind, RunID: runID.String()}, fmt.Errorf("deleting absent %s rows: %w", table, err)
	}

	result := Result{Kind: kind, RunID: runID.String(), Inserted: inserted, Updated: updated, Deleted: deleted}
	if m := r.m; m != nil {
		m.ReconcileRows.WithLabelValues(kind, "inserted").Add(float64(inserted))
		m.ReconcileRows.WithLabelValues(kind, "updated").Add(float64(updated))
		m.ReconcileRows.WithLabelValues(kind, "deleted").Add(float64(deleted))
	}
	r.publish(events.ReconcileCompletedEvent(kind), result)
	return result, nil
}

func (r *Reconciler) reconcileAlliance(ctx context.Context, runID models.ULID) (Result, error) {
	start := time.Now()
	raw, err := r.rest.Snapshot(ctx, string(models.KindAlliance))
	if err != nil {
		return Result{Kind: string(models.KindAlliance)}, fmt.Errorf("fetching alliance snapshot: %w", err)
	}
	records, err := decodeSnapshot[models.Alliance](raw)
	if err != nil {
		return Result{Kind: string(models.KindAlliance)}, err
	}

	cols := make([][]store.Column, len(records))
	for i, a := range records {
		cols[i] = store.AllianceColumns(a)
	}

	result, err := r.sweep(ctx, runID, string(models.KindAlliance), allianceTable, cols, nil)
	r.observeDuration(string(models.KindAlliance), start)
	return result, err
}

func (r *Reconciler) reconcileAlliancePosition(ctx context.Context, runID models.ULID) (Result, error) {
	start := time.Now()
	raw, err := r.rest.Snapshot(ctx, string(models.KindAlliancePosition))
	if err != nil {
		return Result{Kind: string(models.KindAlliancePosition)}, fmt.Errorf("fetching alliance_position snapshot: %w", err)
	}
	records, err := decodeSnapshot[models.AlliancePosition](raw)
	if err != nil {
		return Result{Kind: string(models.KindAlliancePosition)}, err
	}

	cols := make([][]store.Column, len(records))
	for i, p := range records {
		cols[i] = store.AlliancePositionColumns(p)
	}

	cols, err = r.resolveRequiredFK(ctx, cols, "alliance_id", allianceTable, alliancePositionTable)
	if err != nil {
		return Result{Kind: string(models.KindAlliancePosition)}, err
	}
	if err := r.resolveNullableFK(ctx, cols, "creator_id", nationTable, alliancePositionTable); err != nil {
		return Result{Kind: string(models.KindAlliancePosition)}, err
	}
	if err := r.resolveNullableFK(ctx, cols, "last_editor_id", nationTable, alliancePositionTable); err != nil {
		return Result{Kind: string(models.KindAlliancePosition)}, err
	}

	result, err := r.sweep(ctx, runID, string(models.KindAlliancePosition), alliancePositionTable, cols, []string{"creator_id", "last_editor_id"})
	r.observeDuration(string(models.KindAlliancePosition), start)
	return result, err
}

func (r *Reconciler) reconcileNation(ctx context.Context, runID models.ULID) (Result, error) {
	start := time.Now()
	raw, err := r.rest.Snapshot(ctx, string(models.KindNation))
	if err != nil {
		return Result{Kind: string(models.KindNation)}, fmt.Errorf("fetching nation snapshot: %w", err)
	}
	records, err := decodeSnapshot[models.Nation](raw)
	if err != nil {
		return Result{Kind: string(models.KindNation)}, err
	}

	cols := make([][]store.Column, len(records))
	for i, n := range records {
		cols[i] = store.NationColumns(n)
	}

	if err := r.resolveNullableFK(ctx, cols, "alliance_id", allianceTable, nationTable); err != nil {
		return Result{Kind: string(models.KindNation)}, err
	}
	if err := r.resolveNullableFK(ctx, cols, "alliance_position_id", alliancePositionTable, nationTable); err != nil {
		return Result{Kind: string(models.KindNation)}, err
	}

	result, err := r.sweep(ctx, runID, string(models.KindNation), nationTable, cols, []string{"alliance_id", "alliance_position_id"})
	r.observeDuration(string(models.KindNation), start)
	return result, err
}

func (r *Reconciler) reconcileCity(ctx context.Context, runID models.ULID) (Result, error) {
	start := time.Now()
	raw, err := r.rest.Snapshot(ctx, string(models.KindCity))
	if err != nil {
		return Result{Kind: string(models.KindCity)}, fmt.Errorf("fetching city snapshot: %w", err)
	}
	records, err := decodeSnapshot[models.City](raw)
	if err != nil {
		return Result{Kind: string(models.KindCity)}, err
	}

	cols := make([][]store.Column, len(records))
	for i, c := range records {
		cols[i] = store.CityColumns(c)
	}

	cols, err = r.resolveRequiredFK(ctx, cols, "nation_id", nationTable, cityTable)
	if err != nil {
		return Result{Kind: string(models.KindCity)}, err
	}

	result, err := r.sweep(ctx, runID, string(models.KindCity), cityTable, cols, nil)
	r.observeDuration(string(models.KindCity), start)
	return result, err
}

const warKind = "war"

func (r *Reconciler) reconcileWar(ctx context.Context, runID models.ULID) (Result, error) {
	start := time.Now()
	raw, err := r.rest.Snapshot(ctx, warKind)
	if err != nil {
		return Result{Kind: warKind}, fmt.Errorf("fetching war snapshot: %w", err)
	}
	records, err := decodeSnapshot[models.War](raw)
	if err != nil {
		return Result{Kind: warKind}, err
	}

	cols := make([][]store.Column, len(records))
	for i, w := range records {
		cols[i] = store.WarColumns(w)
	}

	cols, err = r.resolveRequiredFK(ctx, cols, "attacker_id", nationTable, warTable)
	if err != nil {
		return Result{Kind: warKind}, err
	}
	cols, err = r.resolveRequiredFK(ctx, cols, "defender_id", nationTable, warTable)
	if err != nil {
		return Result{Kind: warKind}, err
	}

	nullableFKs := []string{"ground_control_nation_id", "air_superiority_nation_id", "naval_blockade_nation_id", "winner_id"}
	for _, col := range nullableFKs {
		if err := r.resolveNullableFK(ctx, cols, col, nationTable, warTable); err != nil {
			return Result{Kind: warKind}, err
		}
	}

	result, err := r.sweep(ctx, runID, warKind, warTable, cols, nullableFKs)
	r.observeDuration(warKind, start)
	return result, err
}

func (r *Reconciler) observeDuration(kind string, start time.Time) {
	if m := r.m; m != nil {
		m.ReconcileDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		m.ReconcileRuns.WithLabelValues(kind).Inc()
	}
}

// RunAll performs one full sweep across every kind, in dependency order:
// alliance, alliance_position, nation, (delay) city, war. Each
// kind's failure is logged and does not prevent the remaining kinds from
// running; the first error, if any, is returned after all kinds complete.
func (r *Reconciler) RunAll(ctx context.Context) error {
	runID := models.NewULID()
	r.logger.Info("reconcile run started", slog.String("run_id", runID.String()))

	var firstErr error
	record := func(kind string, err error) {
		if err == nil {
			return
		}
		r.logger.Error("reconcile sweep failed",
			slog.String("run_id", runID.String()), slog.String("kind", kind), slog.String("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}

	_, err := r.reconcileAlliance(ctx, runID)
	record(string(models.KindAlliance), err)

	_, err = r.reconcileAlliancePosition(ctx, runID)
	record(string(models.KindAlliancePosition), err)

	_, err = r.reconcileNation(ctx, runID)
	record(string(models.KindNation), err)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.citiesDelay):
	}

	_, err = r.reconcileCity(ctx, runID)
	record(string(models.KindCity), err)

	_, err = r.reconcileWar(ctx, runID)
	record(warKind, err)

	r.logger.Info("reconcile run finished", slog.String("run_id", runID.String()))
	return firstErr
}

const (
	allianceTable         = "alliance"
	alliancePositionTable = "alliance_position"
	nationTable           = "nation"
	cityTable             = "city"
	warTable              = "war"
)
