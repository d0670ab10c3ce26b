package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/komodohq/pnwsync/internal/models"
)

const cityTable = "city"

var cityFetchFields = Names(CityColumns(models.City{}))

func (s *Store) fetchCity(ctx context.Context, id int64) (*models.City, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", joinNames(cityFetchFields), cityTable)
	var c models.City
	b := &c.CityBuildings
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.Name, &c.CreatedAt, &c.Infrastructure, &c.Land, &c.Powered, &c.LastNukeDate,
		&b.OilPower, &b.WindPower, &b.CoalPower, &b.NuclearPower,
		&b.CoalMine, &b.OilWell, &b.UraniumMine, &b.LeadMine, &b.IronMine, &b.Farm,
		&b.OilRefinery, &b.SteelMill, &b.AluminumRefinery, &b.Munitions,
		&b.PoliceStation, &b.Hospital, &b.RecyclingCenter, &b.Subway,
		&b.Supermarket, &b.Bank, &b.ShoppingMall, &b.Stadium,
		&b.Barracks, &b.Factory, &b.Hangar, &b.Drydock,
		&c.NationID,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyCityCreate implements apply_create(rec) for City. NationID is
// a required FK.
func (s *Store) ApplyCityCreate(ctx context.Context, c models.City) error {
	cols := CityColumns(c)
	inserted, err := s.insertWithRequiredFKRetry(ctx, cityTable, cols, func(ctx context.Context) error {
		return s.fetchNationFromREST(ctx, c.NationID)
	})
	if err != nil {
		return fmt.Errorf("creating city id=%d: %w", c.ID, err)
	}
	s.finishCreate(cityTable, string(models.KindCity), inserted, c)
	return nil
}

// ApplyCityUpdate implements apply_update(rec) for City.
func (s *Store) ApplyCityUpdate(ctx context.Context, c models.City) error {
	stored, err := s.fetchCity(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("fetching city id=%d: %w", c.ID, err)
	}
	if stored == nil {
		return s.ApplyCityCreate(ctx, c)
	}
	diffed := diffColumns(CityColumns(*stored), CityColumns(c))
	return s.finishUpdate(ctx, cityTable, string(models.KindCity), c.ID, diffed, *stored)
}

// ApplyCityDelete implements apply_delete(id) for City.
func (s *Store) ApplyCityDelete(ctx context.Context, id int64) error {
	return s.deleteByID(ctx, cityTable, string(models.KindCity), id)
}
