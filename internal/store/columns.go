package store

import "github.com/komodohq/pnwsync/internal/models"

// Column flattens a single record field into a (column name, value) pair
// matching the schema in 001_initial_schema.up.sql. The *Columns functions
// below are exported so the Reconciler can build the same rows for its
// batched upserts without duplicating schema knowledge.
type Column struct {
	Name  string
	Value any
}

// AllianceColumns flattens a into its table row, "id" first.
func AllianceColumns(a models.Alliance) []Column {
	return []Column{
		{"id", a.ID},
		{"name", a.Name},
		{"acronym", a.Acronym},
		{"score", a.Score},
		{"color", a.Color},
		{"created_at", a.CreatedAt},
		{"accepts_members", a.AcceptsMembers},
		{"flag_url", a.FlagURL},
		{"rank", a.Rank},
	}
}

// AlliancePositionColumns flattens p into its table row, "id" first.
func AlliancePositionColumns(p models.AlliancePosition) []Column {
	return []Column{
		{"id", p.ID},
		{"name", p.Name},
		{"created_at", p.CreatedAt},
		{"modified_at", p.ModifiedAt},
		{"level", p.Level},
		{"permission_bitset", p.PermissionBits},
		{"creator_id", p.CreatorID},
		{"last_editor_id", p.LastEditorID},
		{"alliance_id", p.AllianceID},
	}
}

// NationColumns flattens n into its table row, "id" first.
func NationColumns(n models.Nation) []Column {
	return []Column{
		{"id", n.ID},
		{"name", n.Name},
		{"leader_name", n.LeaderName},
		{"continent", n.Continent},
		{"war_policy", n.WarPolicy},
		{"war_policy_turns", n.WarPolicyTurns},
		{"domestic_policy", n.DomesticPolicy},
		{"domestic_policy_turns", n.DomesticPolicyTurns},
		{"city_count", n.CityCount},
		{"color", n.Color},
		{"score", n.Score},
		{"update_timezone", n.UpdateTZ},
		{"population", n.Population},
		{"flag_url", n.FlagURL},
		{"vacation_turns", n.VacationTurns},
		{"beige_turns", n.BeigeTurns},
		{"espionage_available", n.EspionageAvailable},
		{"last_active", n.LastActive},
		{"created_at", n.CreatedAt},
		{"soldiers", n.Soldiers},
		{"tanks", n.Tanks},
		{"aircraft", n.Aircraft},
		{"ships", n.Ships},
		{"missiles", n.Missiles},
		{"nukes", n.Nukes},
		{"spies", n.Spies},
		{"discord_id", n.DiscordID},
		{"turns_since_last_city", n.TurnsSinceLastCity},
		{"turns_since_last_project", n.TurnsSinceLastProj},
		{"project_count", n.ProjectCount},
		{"project_bits", n.ProjectBits},
		{"wars_won", n.WarsWon},
		{"wars_lost", n.WarsLost},
		{"alliance_join_date", n.AllianceJoinDate},
		{"alliance_id", n.AllianceID},
		{"alliance_position_id", n.AlliancePositionID},
	}
}

// CityColumns flattens c (including its embedded building counts) into its
// table row, "id" first.
func CityColumns(c models.City) []Column {
	b := c.CityBuildings
	return []Column{
		{"id", c.ID},
		{"name", c.Name},
		{"created_at", c.CreatedAt},
		{"infrastructure", c.Infrastructure},
		{"land", c.Land},
		{"powered", c.Powered},
		{"last_nuke_date", c.LastNukeDate},
		{"oil_power", b.OilPower},
		{"wind_power", b.WindPower},
		{"coal_power", b.CoalPower},
		{"nuclear_power", b.NuclearPower},
		{"coal_mine", b.CoalMine},
		{"oil_well", b.OilWell},
		{"uranium_mine", b.UraniumMine},
		{"lead_mine", b.LeadMine},
		{"iron_mine", b.IronMine},
		{"farm", b.Farm},
		{"oil_refinery", b.OilRefinery},
		{"steel_mill", b.SteelMill},
		{"aluminum_refinery", b.AluminumRefinery},
		{"munitions_factory", b.Munitions},
		{"police_station", b.PoliceStation},
		{"hospital", b.Hospital},
		{"recycling_center", b.RecyclingCenter},
		{"subway", b.Subway},
		{"supermarket", b.Supermarket},
		{"bank", b.Bank},
		{"shopping_mall", b.ShoppingMall},
		{"stadium", b.Stadium},
		{"barracks", b.Barracks},
		{"factory", b.Factory},
		{"hangar", b.Hangar},
		{"drydock", b.Drydock},
		{"nation_id", c.NationID},
	}
}

func warSideColumns(prefix string, s models.WarSide) []Column {
	return []Column{
		{prefix + "_action_points", s.ActionPoints},
		{prefix + "_offered_peace", s.OfferedPeace},
		{prefix + "_resistance", s.Resistance},
		{prefix + "_fortified", s.Fortified},
		{prefix + "_resources_used", s.ResourcesUsed},
		{prefix + "_infra_destroyed", s.InfraDestroyed},
		{prefix + "_infra_destroyed_value", s.InfraDestroyedValue},
		{prefix + "_soldier_casualties", s.SoldierCasualties},
		{prefix + "_tank_casualties", s.TankCasualties},
		{prefix + "_aircraft_casualties", s.AircraftCasualties},
		{prefix + "_ship_casualties", s.ShipCasualties},
		{prefix + "_missiles_used", s.MissilesUsed},
		{prefix + "_nukes_used", s.NukesUsed},
	}
}

// WarColumns flattens w (including its attacker/defender sides) into its
// table row, "id" first.
func WarColumns(w models.War) []Column {
	cols := []Column{
		{"id", w.ID},
		{"start_at", w.StartAt},
		{"end_at", w.EndAt},
		{"reason", w.Reason},
		{"type", w.Type},
		{"turns_left", w.TurnsLeft},
		{"attacker_id", w.AttackerID},
		{"defender_id", w.DefenderID},
	}
	cols = append(cols, warSideColumns("attacker", w.Attacker)...)
	cols = append(cols, warSideColumns("defender", w.Defender)...)
	cols = append(cols, []Column{
		{"ground_control_nation_id", w.GroundControlNationID},
		{"air_superiority_nation_id", w.AirSuperiorityNationID},
		{"naval_blockade_nation_id", w.NavalBlockadeNationID},
		{"winner_id", w.WinnerID},
	}...)
	return cols
}

// Names returns the column names in cols, in order.
func Names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Values returns the column values in cols, in order.
func Values(cols []Column) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = c.Value
	}
	return out
}
