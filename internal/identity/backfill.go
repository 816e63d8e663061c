package identity

import (
	"fmt"

	"github.com/zapdesk/zapdesk/internal/store"
	"go.uber.org/zap"
)

// Backfill stamps handles on legacy conversation rows that predate handle
// derivation. Rows that already carry a handle are skipped, so the migration
// is idempotent. Returns the number of rows stamped.
func Backfill(db *store.DB, logger *zap.Logger) (int, error) {
	missing, err := db.ConversationsWithoutHandle()
	if err != nil {
		return 0, fmt.Errorf("list legacy conversations: %w", err)
	}

	stamped := 0
	for _, c := range missing {
		handle := Resolve(c.Address, c.TenantID)
		if err := db.SetConversationHandle(c.TenantID, c.Address, handle); err != nil {
			return stamped, fmt.Errorf("stamp handle for %s/%s: %w", c.TenantID, c.Address, err)
		}
		stamped++
	}

	if stamped > 0 && logger != nil {
		logger.Info("backfilled chat handles", zap.Int("stamped", stamped))
	}
	return stamped, nil
}
