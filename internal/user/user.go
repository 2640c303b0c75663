// Package user is the core's narrow view of the chat-platform user. The outer
// application owns the profile lifecycle; the pairing core only reads the
// matching and safety fields and touches a handful of timestamps and flags.
package user

import (
	"context"
	"time"
)

const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// User is the projection of the external user row the core works with.
// Zero times mean "never".
type User struct {
	ID              int64
	Gender          string
	Interest        string
	Language        string
	IsPremium       bool
	IsSearching     bool
	SafeMode        bool
	IsBanned        bool
	SoftBannedUntil time.Time
	LastActivityAt  time.Time
	LastMessageAt   time.Time
}

// SoftBanned reports whether a soft ban is still in force at now.
func (u *User) SoftBanned(now time.Time) bool {
	return !u.SoftBannedUntil.IsZero() && now.Before(u.SoftBannedUntil)
}

// Restricted reports whether the user is banned permanently or softly.
func (u *User) Restricted(now time.Time) bool {
	return u.IsBanned || u.SoftBanned(now)
}

// IdleFor returns how long the user has been inactive at now. It returns 0
// when no activity was ever recorded.
func (u *User) IdleFor(now time.Time) time.Duration {
	if u.LastActivityAt.IsZero() {
		return 0
	}
	return now.Sub(u.LastActivityAt)
}

// Directory is the user lookup and update surface shared by the matcher, the
// gate and the ban subsystem.
type Directory interface {
	// Get returns nil, nil when the user does not exist.
	Get(ctx context.Context, id int64) (*User, error)
	SetSearching(ctx context.Context, id int64, searching bool) error
	SetSafeMode(ctx context.Context, id int64, enabled bool) error
	// TouchMessage records a relayed message at t (last message and last
	// activity).
	TouchMessage(ctx context.Context, id int64, t time.Time) error
	// ApplySoftBan sets soft_banned_until unless a soft ban is already in
	// force. It reports whether the row changed.
	ApplySoftBan(ctx context.Context, id int64, until time.Time) (bool, error)
	Counts(ctx context.Context) (total, premium int, err error)
}
