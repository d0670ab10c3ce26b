package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/komodohq/pnwsync/internal/models"
)

const nationTable = "nation"

var nationFetchFields = Names(NationColumns(models.Nation{}))

// nationGraphQLFields is the field selection used by the dangling-parent
// REST fetch — cities
// require their owning Nation to exist first.
var nationGraphQLFields = []string{
	"id", "name", "leader_name", "continent", "war_policy", "war_policy_turns",
	"domestic_policy", "domestic_policy_turns", "city_count", "color", "score",
	"update_timezone", "population", "flag_url", "vacation_turns", "beige_turns",
	"espionage_available", "last_active", "created_at", "soldiers", "tanks",
	"aircraft", "ships", "missiles", "nukes", "spies", "discord_id",
	"turns_since_last_city", "turns_since_last_project", "project_count",
	"project_bits", "wars_won", "wars_lost", "alliance_join_date", "alliance_id",
	"alliance_position_id",
}

func (s *Store) fetchNation(ctx context.Context, id int64) (*models.Nation, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", joinNames(nationFetchFields), nationTable)
	var n models.Nation
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&n.ID, &n.Name, &n.LeaderName, &n.Continent, &n.WarPolicy, &n.WarPolicyTurns,
		&n.DomesticPolicy, &n.DomesticPolicyTurns, &n.CityCount, &n.Color, &n.Score,
		&n.UpdateTZ, &n.Population, &n.FlagURL, &n.VacationTurns, &n.BeigeTurns,
		&n.EspionageAvailable, &n.LastActive, &n.CreatedAt, &n.Soldiers, &n.Tanks,
		&n.Aircraft, &n.Ships, &n.Missiles, &n.Nukes, &n.Spies, &n.DiscordID,
		&n.TurnsSinceLastCity, &n.TurnsSinceLastProj, &n.ProjectCount,
		&n.ProjectBits, &n.WarsWon, &n.WarsLost, &n.AllianceJoinDate, &n.AllianceID,
		&n.AlliancePositionID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// fetchNationFromREST resolves a missing Nation parent via the REST
// Client's single-id lookup and persists it, for use as an
// insertWithRequiredFKRetry resolveParent callback (city→nation).
func (s *Store) fetchNationFromREST(ctx context.Context, id int64) error {
	raw, err := s.rest.FetchByID(ctx, "nations", nationGraphQLFields, id)
	if err != nil {
		return fmt.Errorf("fetching nation id=%d from upstream: %w", id, err)
	}
	var n models.Nation
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("decoding nation id=%d: %w", id, err)
	}
	return s.ApplyNationCreate(ctx, n)
}

// ApplyNationCreate implements apply_create(rec) for Nation.
// AllianceID and AlliancePositionID are nullable FKs.
func (s *Store) ApplyNationCreate(ctx context.Context, n models.Nation) error {
	cols := NationColumns(n)
	inserted, err := s.insertWithNullableFKRetry(ctx, nationTable, cols, "alliance_id", "alliance_position_id")
	if err != nil {
		return fmt.Errorf("creating nation id=%d: %w", n.ID, err)
	}
	s.finishCreate(nationTable, string(models.KindNation), inserted, n)
	return nil
}

// ApplyNationUpdate implements apply_update(rec) for Nation.
func (s *Store) ApplyNationUpdate(ctx context.Context, n models.Nation) error {
	stored, err := s.fetchNation(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("fetching nation id=%d: %w", n.ID, err)
	}
	if stored == nil {
		return s.ApplyNationCreate(ctx, n)
	}
	diffed := diffColumns(NationColumns(*stored), NationColumns(n))
	return s.finishUpdate(ctx, nationTable, string(models.KindNation), n.ID, diffed, *stored)
}

// ApplyNationDelete implements apply_delete(id) for Nation.
func (s *Store) ApplyNationDelete(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, nationTable, string(models.KindNation), id)
}
