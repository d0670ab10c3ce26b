package models

import (
	"encoding/json"
	"testing"
)

func TestNormalizeNukeDate(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantNil bool
	}{
		{"never sentinel", "-1999-01-01", true},
		{"empty", "", true},
		{"real date", "2023-06-01", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := NormalizeNukeDate(c.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.wantNil && got != nil {
				t.Fatalf("expected nil, got %v", got)
			}
			if !c.wantNil && got == nil {
				t.Fatalf("expected non-nil time")
			}
		})
	}
}

func TestNormalizeWarRef(t *testing.T) {
	if got := NormalizeWarRef("0"); got != nil {
		t.Fatalf("expected nil for sentinel, got %v", *got)
	}
	if got := NormalizeWarRef(""); got != nil {
		t.Fatalf("expected nil for empty, got %v", *got)
	}
	got := NormalizeWarRef("42")
	if got == nil || *got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
}

func TestCity_UnmarshalJSON_NeverNukedSentinelBecomesNil(t *testing.T) {
	var c City
	raw := []byte(`{"id":1,"name":"Testville","last_nuke_date":"-1999-01-01","nation_id":5}`)
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.LastNukeDate != nil {
		t.Fatalf("expected nil LastNukeDate, got %v", c.LastNukeDate)
	}
	if c.ID != 1 || c.NationID != 5 {
		t.Fatalf("expected promoted fields to decode, got %+v", c)
	}
}

func TestCity_UnmarshalJSON_RealDateDecodes(t *testing.T) {
	var c City
	raw := []byte(`{"id":1,"last_nuke_date":"2023-06-01"}`)
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.LastNukeDate == nil {
		t.Fatalf("expected non-nil LastNukeDate")
	}
}

func TestWar_UnmarshalJSON_ZeroSentinelFKsBecomeNil(t *testing.T) {
	var w War
	raw := []byte(`{
		"id": 1,
		"attacker_id": 10,
		"defender_id": 20,
		"end_at": "",
		"ground_control_nation_id": "0",
		"air_superiority_nation_id": "0",
		"naval_blockade_nation_id": "0",
		"winner_id": "20"
	}`)
	if err := json.Unmarshal(raw, &w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.EndAt != nil {
		t.Fatalf("expected nil EndAt for ongoing war, got %v", w.EndAt)
	}
	if w.GroundControlNationID != nil || w.AirSuperiorityNationID != nil || w.NavalBlockadeNationID != nil {
		t.Fatalf("expected sentinel FKs to be nil")
	}
	if w.WinnerID == nil || *w.WinnerID != 20 {
		t.Fatalf("expected WinnerID 20, got %v", w.WinnerID)
	}
	if w.AttackerID != 10 || w.DefenderID != 20 {
		t.Fatalf("expected required FKs to decode, got attacker=%d defender=%d", w.AttackerID, w.DefenderID)
	}
}

func TestMetadataTimeOrdering(t *testing.T) {
	a := MetadataTime{Millis: 1, Nanos: 999}
	b := MetadataTime{Millis: 2, Nanos: 0}
	c := MetadataTime{Millis: 2, Nanos: 1}
	if !a.Less(b) {
		t.Fatal("expected (1,999) < (2,0)")
	}
	if !b.Less(c) {
		t.Fatal("expected (2,0) < (2,1)")
	}
	if a.Less(a) {
		t.Fatal("Less must be irreflexive")
	}
	d1 := MetadataTime{Millis: 5, Nanos: 10}
	d2 := MetadataTime{Millis: 5, Nanos: 10}
	if !d1.Equal(d2) {
		t.Fatal("expected (5,10) == (5,10)")
	}
	if d1.Less(d2) || d2.Less(d1) {
		t.Fatal("equal times must not be Less than each other")
	}
}
