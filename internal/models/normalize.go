package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// negativeYear matches the upstream's "never happened" sentinel for
// last_nuke_date: a leading minus sign on the year component.
var negativeYear = regexp.MustCompile(`^-\d`)

// NormalizeNukeDate translates a raw last_nuke_date string into a time, or
// nil if it matches the upstream's negative-year "never" sentinel. Empty
// strings are also treated as absent.
func NormalizeNukeDate(raw string) (*time.Time, error) {
	if raw == "" || negativeYear.MatchString(raw) {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
	}
	t = t.UTC()
	return &t, nil
}

// zeroSentinel is the upstream's "no such nation" sentinel for war
// reference fields.
const zeroSentinel = "0"

// NormalizeWarRef translates a raw war-reference id string into an *int64,
// treating the upstream "0" sentinel as null.
func NormalizeWarRef(raw string) *int64 {
	if raw == "" || raw == zeroSentinel {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v == 0 {
		return nil
	}
	return &v
}

// NormalizeWarEndDate translates a raw end_at string into a time, or nil if
// the war has not yet ended (empty string).
func NormalizeWarEndDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

// UnmarshalJSON decodes a City, applying NormalizeNukeDate to the raw
// last_nuke_date string.
func (c *City) UnmarshalJSON(data []byte) error {
	type alias City
	shadow := struct {
		LastNukeDate *string `json:"last_nuke_date"`
		*alias
	}{alias: (*alias)(c)}

	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}

	if shadow.LastNukeDate == nil {
		c.LastNukeDate = nil
		return nil
	}
	t, err := NormalizeNukeDate(*shadow.LastNukeDate)
	if err != nil {
		return fmt.Errorf("parsing last_nuke_date: %w", err)
	}
	c.LastNukeDate = t
	return nil
}

// UnmarshalJSON decodes a War, applying NormalizeWarEndDate to end_at and
// NormalizeWarRef to the four nullable nation-reference fields.
func (w *War) UnmarshalJSON(data []byte) error {
	type alias War
	shadow := struct {
		EndAt                  *string `json:"end_at"`
		GroundControlNationID  *string `json:"ground_control_nation_id"`
		AirSuperiorityNationID *string `json:"air_superiority_nation_id"`
		NavalBlockadeNationID  *string `json:"naval_blockade_nation_id"`
		WinnerID               *string `json:"winner_id"`
		*alias
	}{alias: (*alias)(w)}

	if err := json.Unmarshal(data, &shadow); err != nil {
		return err
	}

	if shadow.EndAt != nil {
		t, err := NormalizeWarEndDate(*shadow.EndAt)
		if err != nil {
			return fmt.Errorf("parsing end_at: %w", err)
		}
		w.EndAt = t
	} else {
		w.EndAt = nil
	}

	w.GroundControlNationID = normalizeWarRefPtr(shadow.GroundControlNationID)
	w.AirSuperiorityNationID = normalizeWarRefPtr(shadow.AirSuperiorityNationID)
	w.NavalBlockadeNationID = normalizeWarRefPtr(shadow.NavalBlockadeNationID)
	w.WinnerID = normalizeWarRefPtr(shadow.WinnerID)
	return nil
}

func normalizeWarRefPtr(raw *string) *int64 {
	if raw == nil {
		return nil
	}
	return NormalizeWarRef(*raw)
}

