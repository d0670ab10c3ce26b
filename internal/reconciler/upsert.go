package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/komodohq/pnwsync/internal/store"
)

const pgForeignKeyViolation = "23503"

func isFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

// maxBatchRows returns the largest row count that keeps a multi-row INSERT
// under Postgres's 32767 bind-parameter cap.
func maxBatchRows(columnCount int) int {
	if columnCount < 1 {
		return 1
	}
	n := 32767 / columnCount
	if n < 1 {
		return 1
	}
	return n
}

func chunkRows(rows [][]store.Column, size int) [][][]store.Column {
	if size < 1 {
		size = 1
	}
	var out [][][]store.Column
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

func nullAllFKColumns(cols []store.Column, names []string) []store.Column {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	out := make([]store.Column, len(cols))
	copy(out, cols)
	for i, c := range out {
		if set[c.Name] {
			t := reflect.TypeOf(c.Value)
			var nilVal any
			if t != nil {
				nilVal = reflect.Zero(t).Interface()
			}
			out[i] = store.Column{Name: c.Name, Value: nilVal}
		}
	}
	return out
}

// runUpsert issues one multi-row "INSERT ... ON CONFLICT (id) DO UPDATE"
// statement for rows, using the `xmax = 0` idiom to
// distinguish rows that were inserted from rows that were updated.
func runUpsert(ctx context.Context, pool *pgxpool.Pool, table string, rows [][]store.Column) (inserted, updated int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	names := store.Names(rows[0])
	colCount := len(names)

	sets := make([]string, 0, colCount-1)
	for _, n := range names {
		if n == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", n, n))
	}

	var valuesSQL []string
	args := make([]any, 0, len(rows)*colCount)
	n := 1
	for _, cols := range rows {
		placeholders := make([]string, colCount)
		for i := range placeholders {
			placeholders[i] = fmt.Sprintf("$%d", n)
			n++
		}
		valuesSQL = append(valuesSQL, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, store.Values(cols)...)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s ON CONFLICT (id) DO UPDATE SET %s RETURNING (xmax = 0) AS inserted",
		table, strings.Join(names, ", "), strings.Join(valuesSQL, ", "), strings.Join(sets, ", "),
	)

	pgRows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return 0, 0, err
	}
	defer pgRows.Close()

	for pgRows.Next() {
		var wasInserted bool
		if err := pgRows.Scan(&wasInserted); err != nil {
			return 0, 0, err
		}
		if wasInserted {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, pgRows.Err()
}

// upsertGroup recursively bisects rows on a foreign-key violation: halved
// groups, then single rows, then a single row with its nullable FK columns
// nulled out. A required-FK violation surviving at single-row granularity
// drops that row with a warning.
func (r *Reconciler) upsertGroup(ctx context.Context, table string, rows [][]store.Column, nullableFKNames []string) (inserted, updated int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	ins, upd, qerr := runUpsert(ctx, r.pool, table, rows)
	if qerr == nil {
		return ins, upd, nil
	}
	if !isFKViolation(qerr) {
		return 0, 0, qerr
	}

	if len(rows) == 1 {
		if len(nullableFKNames) > 0 {
			retryRow := nullAllFKColumns(rows[0], nullableFKNames)
			if ins2, upd2, err2 := runUpsert(ctx, r.pool, table, [][]store.Column{retryRow}); err2 == nil {
				r.logger.Warn("nulled FK on reconcile retry", slog.String("table", table), slog.Int64("id", idValue(rows[0])))
				return ins2, upd2, nil
			}
		}
		r.logger.Warn("dropping row after FK violation at single-row granularity",
			slog.String("table", table), slog.Int64("id", idValue(rows[0])))
		if m := r.m; m != nil {
			m.StoreDrops.WithLabelValues(table, "reconcile_fk_violation").Inc()
		}
		return 0, 0, nil
	}

	mid := len(rows) / 2
	i1, u1, e1 := r.upsertGroup(ctx, table, rows[:mid], nullableFKNames)
	if e1 != nil {
		return i1, u1, e1
	}
	i2, u2, e2 := r.upsertGroup(ctx, table, rows[mid:], nullableFKNames)
	return i1 + i2, u1 + u2, e2
}

// upsertAll batches rows at maxBatchRows granularity and bisects any batch
// that fails with a foreign-key violation.
func (r *Reconciler) upsertAll(ctx context.Context, table string, rows [][]store.Column, nullableFKNames []string) (inserted, updated int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	batchSize := maxBatchRows(len(rows[0]))
	for _, batch := range chunkRows(rows, batchSize) {
		i, u, berr := r.upsertGroup(ctx, table, batch, nullableFKNames)
		inserted += i
		updated += u
		if berr != nil {
			return inserted, updated, berr
		}
	}
	return inserted, updated, nil
}
