package ban

import (
	"context"
	"log/slog"
	"time"

	"github.com/kyla/chatcore/internal/logger"
	"github.com/kyla/chatcore/internal/metrics"
	"github.com/kyla/chatcore/internal/user"
)

// Enforcer applies soft bans to the user row and mirrors them in Redis. It
// implements violation.Banner.
type Enforcer struct {
	store *Store
	users user.Directory
	now   func() time.Time
	log   *slog.Logger
}

func NewEnforcer(store *Store, users user.Directory) *Enforcer {
	return &Enforcer{
		store: store,
		users: users,
		now:   time.Now,
		log:   logger.With("component", "ban"),
	}
}

// SoftBan restricts userID for d. Banning a user that is already soft-banned
// is a no-op and reports false. The user row decides; the Redis mirror is
// only consulted to skip the database when a ban is known to be in force.
func (e *Enforcer) SoftBan(ctx context.Context, userID int64, d time.Duration, reason string) (bool, error) {
	banned, _, _, err := e.store.IsBanned(ctx, userID)
	if err != nil {
		e.log.Warn("ban mirror unavailable, checking user row", "user", userID, "err", err)
	}
	if banned {
		return false, nil
	}

	applied, err := e.users.ApplySoftBan(ctx, userID, e.now().Add(d))
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if _, err := e.store.Ban(ctx, userID, d, reason); err != nil {
		e.log.Warn("mirror soft ban", "user", userID, "err", err)
	}
	metrics.SoftBans.Inc()
	e.log.Info("soft ban applied", "user", userID, "duration", d, "reason", reason)
	return true, nil
}
