package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/komodohq/pnwsync/internal/models"
)

const alliancePositionTable = "alliance_position"

var alliancePositionFetchFields = Names(AlliancePositionColumns(models.AlliancePosition{}))

func (s *Store) fetchAlliancePosition(ctx context.Context, id int64) (*models.AlliancePosition, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", joinNames(alliancePositionFetchFields), alliancePositionTable)
	var p models.AlliancePosition
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.CreatedAt, &p.ModifiedAt, &p.Level, &p.PermissionBits, &p.CreatorID, &p.LastEditorID, &p.AllianceID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyAlliancePositionCreate implements apply_create(rec) for
// AlliancePosition. AllianceID is a required FK; CreatorID and
// LastEditorID are nullable FKs to Nation.
func (s *Store) ApplyAlliancePositionCreate(ctx context.Context, p models.AlliancePosition) error {
	cols := AlliancePositionColumns(p)

	inserted, err := s.insertWithNullableFKRetry(ctx, alliancePositionTable, cols, "creator_id", "last_editor_id")
	if err != nil {
		if _, ok := isFKViolation(err); !ok {
			return fmt.Errorf("creating alliance_position id=%d: %w", p.ID, err)
		}
		inserted, err = s.insertWithRequiredFKRetry(ctx, alliancePositionTable, cols, func(ctx context.Context) error {
			return s.fetchAllianceFromREST(ctx, p.AllianceID)
		})
		if err != nil {
			return fmt.Errorf("creating alliance_position id=%d: %w", p.ID, err)
		}
	}
	s.finishCreate(alliancePositionTable, string(models.KindAlliancePosition), inserted, p)
	return nil
}

// ApplyAlliancePositionUpdate implements apply_update(rec) for
// AlliancePosition.
func (s *Store) ApplyAlliancePositionUpdate(ctx context.Context, p models.AlliancePosition) error {
	stored, err := s.fetchAlliancePosition(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("fetching alliance_position id=%d: %w", p.ID, err)
	}
	if stored == nil {
		return s.ApplyAlliancePositionCreate(ctx, p)
	}
	diffed := diffColumns(AlliancePositionColumns(*stored), AlliancePositionColumns(p))
	return s.finishUpdate(ctx, alliancePositionTable, string(models.KindAlliancePosition), p.ID, diffed, *stored)
}

// ApplyAlliancePositionDelete implements apply_delete(id) for
// AlliancePosition.
func (s *Store) ApplyAlliancePositionDelete(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, alliancePositionTable, string(models.KindAlliancePosition), id)
}
