package reconciler

import "github.com/komodohq/pnwsync/internal/store"

func columnValue(cols []store.Column, name string) any {
	for _, c := range cols {
		if c.Name == name {
			return c.Value
		}
	}
	return nil
}

func setColumnValue(cols []store.Column, name string, value any) {
	for i := range cols {
		if cols[i].Name == name {
			cols[i].Value = value
			return
		}
	}
}

func idValue(cols []store.Column) int64 {
	v := columnValue(cols, "id")
	id, _ := v.(int64)
	return id
}

func idsOf(rows [][]store.Column) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = idValue(r)
	}
	return ids
}

// referencedIDs collects the set of distinct ids a required (int64) or
// nullable (*int64, non-nil) FK column in rows points at.
func referencedIDs(rows [][]store.Column, fkColumn string) []int64 {
	seen := make(map[int64]bool)
	for _, cols := range rows {
		v := columnValue(cols, fkColumn)
		switch ref := v.(type) {
		case int64:
			seen[ref] = true
		case *int64:
			if ref != nil {
				seen[*ref] = true
			}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// filterRequiredFK drops rows whose fkColumn (an int64 required reference)
// does not appear in existing, returning the surviving rows and the
// dropped ids.
func filterRequiredFK(rows [][]store.Column, fkColumn string, existing map[int64]bool) (kept [][]store.Column, dropped []int64) {
	kept = make([][]store.Column, 0, len(rows))
	for _, cols := range rows {
		ref, _ := columnValue(cols, fkColumn).(int64)
		if existing[ref] {
			kept = append(kept, cols)
		} else {
			dropped = append(dropped, idValue(cols))
		}
	}
	return kept, dropped
}

// nullMissingFK nulls fkColumn (a *int64 nullable reference) in place for
// any row whose reference is non-nil but absent from existing, returning
// the affected row ids.
func nullMissingFK(rows [][]store.Column, fkColumn string, existing map[int64]bool) []int64 {
	var nulled []int64
	for _, cols := range rows {
		ptr, ok := columnValue(cols, fkColumn).(*int64)
		if !ok || ptr == nil {
			continue
		}
		if !existing[*ptr] {
			setColumnValue(cols, fkColumn, (*int64)(nil))
			nulled = append(nulled, idValue(cols))
		}
	}
	return nulled
}
