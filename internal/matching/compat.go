package matching

import (
	"slices"

	"github.com/kyla/chatcore/internal/user"
)

// Criteria selects the waiting entries a seeker may be paired with.
type Criteria struct {
	ExcludeUserID int64
	EntryGender   string
	EntryInterest string  // "" accepts any interest
	Skip          []int64 // entry ids already tried in this round
}

// CriteriaFor builds the selection for seeker.
//
// In the default mode an entry is compatible when each side is what the
// other is looking for. Random mode drops the interest contract and pairs
// the seeker with anyone of the same gender.
func CriteriaFor(seeker *user.User, random bool) Criteria {
	if random {
		return Criteria{
			ExcludeUserID: seeker.ID,
			EntryGender:   seeker.Gender,
		}
	}
	return Criteria{
		ExcludeUserID: seeker.ID,
		EntryGender:   seeker.Interest,
		EntryInterest: seeker.Gender,
	}
}

// Matches reports whether e satisfies c.
func (c Criteria) Matches(e *Entry) bool {
	return e.UserID != c.ExcludeUserID &&
		e.Gender == c.EntryGender &&
		(c.EntryInterest == "" || e.Interest == c.EntryInterest) &&
		!slices.Contains(c.Skip, e.ID)
}

// entryFor builds the waiting entry a seeker leaves behind when no match is
// available.
func entryFor(u *user.User, platformID string) Entry {
	return Entry{
		UserID:             u.ID,
		Gender:             u.Gender,
		Interest:           u.Interest,
		Language:           u.Language,
		PlatformID:         platformID,
		IsPremium:          u.IsPremium,
		SafeModePreference: u.SafeMode,
	}
}
