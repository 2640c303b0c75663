// Package violation records policy violations reported by detectors and
// turns repeated promotion violations into soft bans. Every decision is a
// fresh query over the persisted rows, so any number of trackers may run
// side by side.
package violation

import (
	"context"
	"time"

	"github.com/kyla/chatcore/internal/protocol"
)

// Violation types produced by the detectors.
const (
	TypePromotion = "promotion"
	TypeFlood     = "flood"
)

// Values of Violation.ActionTaken.
const (
	ActionSoftBan           = "soft_ban"
	ActionAlreadyRestricted = "already_restricted"
)

// validSeverities matches the severity values the detectors publish.
var validSeverities = map[string]bool{
	protocol.SeverityLow:    true,
	protocol.SeverityMedium: true,
	protocol.SeverityHigh:   true,
}

// Violation is one persisted policy breach. Only ActionTaken and
// BanDurationMinutes change after insertion.
type Violation struct {
	ID                 int64
	EventID            string
	UserID             int64
	ViolationType      string
	Severity           string
	DetectedAt         time.Time
	ActionTaken        string
	BanDurationMinutes int
}

// Repository persists violations.
type Repository interface {
	// Insert stores v and sets v.ID. It returns false when a violation with
	// the same EventID was already stored, in which case v is left as is.
	Insert(ctx context.Context, v *Violation) (bool, error)
	// FindByEvent returns the violation stored for eventID, or nil, nil.
	FindByEvent(ctx context.Context, eventID string) (*Violation, error)
	// CountRecent counts the user's violations of the given type detected at
	// or after since.
	CountRecent(ctx context.Context, userID int64, violationType string, since time.Time) (int, error)
	// SetAction backfills the enforcement taken for violation id.
	SetAction(ctx context.Context, id int64, action string, banMinutes int) error
}
