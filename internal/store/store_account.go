package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/komodohq/pnwsync/internal/events"
	"github.com/komodohq/pnwsync/internal/models"
)

// ApplyAccountUpdate implements the account-update special case:
// accounts are not a persisted entity, so the incoming record only mutates
// the matching Nation row's discord_id and last_active.
func (s *Store) ApplyAccountUpdate(ctx context.Context, acc models.AccountUpdate) error {
	nation, err := s.fetchNation(ctx, acc.NationID)
	if err != nil {
		return fmt.Errorf("fetching nation id=%d for account update: %w", acc.NationID, err)
	}
	if nation == nil {
		s.logger.Warn("account update for unknown nation, dropped", slog.Int64("nation_id", acc.NationID))
		if m := s.m; m != nil {
			m.StoreDrops.WithLabelValues(nationTable, "account_nation_missing").Inc()
		}
		return nil
	}

	oldDiscordID := nation.DiscordID
	discordIDChanged := !int64PtrEqual(oldDiscordID, acc.DiscordID)

	_, err = s.pool.Exec(ctx, "UPDATE nation SET discord_id = $1, last_active = $2 WHERE id = $3",
		acc.DiscordID, acc.LastActive, acc.NationID)
	if err != nil {
		return fmt.Errorf("updating nation id=%d account fields: %w", acc.NationID, err)
	}
	if m := s.m; m != nil {
		m.StoreWrites.WithLabelValues(nationTable, "account_update").Inc()
	}

	if discordIDChanged {
		s.publish(events.SubjectAccountDiscordIDUpdate, struct {
			NationBefore models.Nation `json:"nation_before"`
			OldDiscordID *int64        `json:"old_discord_id"`
			NewDiscordID *int64        `json:"new_discord_id"`
		}{NationBefore: *nation, OldDiscordID: oldDiscordID, NewDiscordID: acc.DiscordID})
	}
	return nil
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
