// Package pair holds conversation records between two matched users and
// their lifecycle: a pair is created active by the matcher's claim
// transaction, collects message counters and ratings, and is ended (or
// blocked) exactly once. Pairs are never deleted.
package pair

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusBlocked Status = "blocked"
)

// End reasons recorded on the pair.
const (
	ReasonUserAction      = "user_action"
	ReasonPartnerDeleted  = "partner_deleted"
	ReasonPartnerBanned   = "partner_banned"
	ReasonPartnerInactive = "partner_inactive"
)

const (
	MinRating = 1
	MaxRating = 5
)

var ErrInvalidRating = errors.New("pair: rating out of range")

// Pair is one conversation between UserID (the seeker that claimed the
// waiting entry) and PartnerID (the owner of the claimed entry).
type Pair struct {
	ID                int64
	UserID            int64
	PartnerID         int64
	Status            Status
	StartedAt         time.Time
	EndedAt           time.Time
	EndedBy           int64
	EndReason         string
	RatingUser        int // given by UserID, 0 = not rated
	RatingPartner     int // given by PartnerID, 0 = not rated
	ConversationCount int
	LastMessageAt     time.Time
}

func (p *Pair) Active() bool { return p.Status == StatusActive }

// IsParticipant checks if userID is one of the two sides.
func (p *Pair) IsParticipant(userID int64) bool {
	return userID == p.UserID || userID == p.PartnerID
}

// OtherUser returns the participant that is not userID. ok is false when
// userID is not part of the pair.
func (p *Pair) OtherUser(userID int64) (other int64, ok bool) {
	switch userID {
	case p.UserID:
		return p.PartnerID, true
	case p.PartnerID:
		return p.UserID, true
	}
	return 0, false
}

// Store is the pair persistence surface.
type Store interface {
	Get(ctx context.Context, id int64) (*Pair, error)
	FindActiveByUser(ctx context.Context, userID int64) (*Pair, error)
	FindBetween(ctx context.Context, a, b int64) (*Pair, error)
	// End moves an active pair to ended. It returns false when the pair was
	// not active anymore.
	End(ctx context.Context, id, endedBy int64, reason string) (bool, error)
	// Block is End with the blocked terminal status.
	Block(ctx context.Context, id, endedBy int64, reason string) (bool, error)
	// AddRating stores rating on rater's side. It returns false without
	// touching the row when rater is not a participant.
	AddRating(ctx context.Context, p *Pair, raterID int64, rating int) (bool, error)
	RecordMessage(ctx context.Context, id int64, at time.Time) error
	CountActive(ctx context.Context) (int, error)
}
