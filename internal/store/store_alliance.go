package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/komodohq/pnwsync/internal/models"
)

const allianceTable = "alliance"

var allianceFetchFields = Names(AllianceColumns(models.Alliance{}))

// allianceGraphQLFields is the field selection used by the dangling-parent
// REST fetch.
var allianceGraphQLFields = []string{
	"id", "name", "acronym", "score", "color", "created_at", "accepts_members", "flag_url", "rank",
}

// fetchAllianceFromREST resolves a missing Alliance parent via the REST
// Client's single-id lookup and persists it, for use as a
// insertWithRequiredFKRetry resolveParent callback.
func (s *Store) fetchAllianceFromREST(ctx context.Context, id int64) error {
	raw, err := s.rest.FetchByID(ctx, "alliances", allianceGraphQLFields, id)
	if err != nil {
		return fmt.Errorf("fetching alliance id=%d from upstream: %w", id, err)
	}
	var a models.Alliance
	if err := json.Unmarshal(raw, &a); err != nil {
		return fmt.Errorf("decoding alliance id=%d: %w", id, err)
	}
	return s.ApplyAllianceCreate(ctx, a)
}

func (s *Store) fetchAlliance(ctx context.Context, id int64) (*models.Alliance, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", joinNames(allianceFetchFields), allianceTable)
	var a models.Alliance
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.Acronym, &a.Score, &a.Color, &a.CreatedAt, &a.AcceptsMembers, &a.FlagURL, &a.Rank,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ApplyAllianceCreate implements apply_create(rec) for Alliance.
// Alliance has no foreign keys, so no violation-recovery path applies.
func (s *Store) ApplyAllianceCreate(ctx context.Context, a models.Alliance) error {
	inserted, err := s.insertOnConflictDoNothing(ctx, allianceTable, AllianceColumns(a))
	if err != nil {
		return fmt.Errorf("creating alliance id=%d: %w", a.ID, err)
	}
	s.finishCreate(allianceTable, string(models.KindAlliance), inserted, a)
	return nil
}

// ApplyAllianceUpdate implements apply_update(rec) for Alliance.
func (s *Store) ApplyAllianceUpdate(ctx context.Context, a models.Alliance) error {
	stored, err := s.fetchAlliance(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("fetching alliance id=%d: %w", a.ID, err)
	}
	if stored == nil {
		return s.ApplyAllianceCreate(ctx, a)
	}
	diffed := diffColumns(AllianceColumns(*stored), AllianceColumns(a))
	return s.finishUpdate(ctx, allianceTable, string(models.KindAlliance), a.ID, diffed, *stored)
}

// ApplyAllianceDelete implements apply_delete(id) for Alliance.
func (s *Store) ApplyAllianceDelete(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, allianceTable, string(models.KindAlliance), id)
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
