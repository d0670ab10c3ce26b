package store

import (
	"context"
	"log/slog"
	"reflect"
	"time"
)

// nilLikeValue returns a nil value of the same concrete type as v (e.g. a
// nil *int64 for a *int64 column), so pgx still has type information to
// bind the parameter even though the value itself is NULL.
func nilLikeValue(v any) any {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil
	}
	return reflect.Zero(t).Interface()
}

// nullColumns returns a copy of cols with every column named in fkNames set
// to its nil value.
func nullColumns(cols []Column, fkNames ...string) []Column {
	set := make(map[string]bool, len(fkNames))
	for _, n := range fkNames {
		set[n] = true
	}
	out := make([]Column, len(cols))
	copy(out, cols)
	for i, c := range out {
		if set[c.Name] {
			out[i] = Column{Name: c.Name, Value: nilLikeValue(c.Value)}
		}
	}
	return out
}

// insertWithNullableFKRetry inserts cols; on an FK violation, nulls the
// named nullable FK columns and retries exactly once.
func (s *Store) insertWithNullableFKRetry(ctx context.Context, table string, cols []Column, nullableFKNames ...string) (bool, error) {
	inserted, err := s.insertOnConflictDoNothing(ctx, table, cols)
	if err == nil {
		return inserted, nil
	}
	if _, ok := isFKViolation(err); !ok {
		return false, err
	}

	s.logger.Warn("nullable FK violation on create, retrying with null",
		slog.String("table", table), slog.Any("fk_columns", nullableFKNames))
	return s.insertOnConflictDoNothing(ctx, table, nullColumns(cols, nullableFKNames...))
}

// insertWithRequiredFKRetry inserts cols; on an FK violation it invokes
// resolveParent once to fetch and persist the missing parent row via REST,
// then retries up to 4 additional times with linear backoff (1s, 2s, 3s,
// 4s). A final failure drops the record with a warning.
func (s *Store) insertWithRequiredFKRetry(ctx context.Context, table string, cols []Column, resolveParent func(context.Context) error) (bool, error) {
	inserted, err := s.insertOnConflictDoNothing(ctx, table, cols)
	if err == nil {
		return inserted, nil
	}
	if _, ok := isFKViolation(err); !ok {
		return false, err
	}

	if resolveErr := resolveParent(ctx); resolveErr != nil {
		s.logger.Warn("resolving missing parent failed",
			slog.String("table", table), slog.String("error", resolveErr.Error()))
	}

	var lastErr error
	for _, delay := range linearBackoff {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}

		inserted, lastErr = s.insertOnConflictDoNothing(ctx, table, cols)
		if lastErr == nil {
			return inserted, nil
		}
		if _, ok := isFKViolation(lastErr); !ok {
			return false, lastErr
		}
	}

	s.logger.Warn("required FK unresolved after retries, dropping record",
		slog.String("table", table), slog.String("error", lastErr.Error()))
	if m := s.m; m != nil {
		m.StoreDrops.WithLabelValues(table, "required_fk_unresolved").Inc()
	}
	return false, nil
}
