package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/protocol"
	"github.com/kyla/chatcore/internal/user"
)

// PublishMatchFound announces a new pair to both participants. Each side
// learns the other's public profile fields only.
func PublishMatchFound(ctx context.Context, sender messaging.Sender, p *pair.Pair, seeker, partner *user.User) error {
	toSeeker := protocol.MustNotify(seeker.ID, protocol.TypeMatchFound, protocol.MatchFoundNotice{
		PairID:          p.ID,
		PartnerGender:   partner.Gender,
		PartnerLanguage: partner.Language,
		PartnerPremium:  partner.IsPremium,
	})
	toPartner := protocol.MustNotify(partner.ID, protocol.TypeMatchFound, protocol.MatchFoundNotice{
		PairID:          p.ID,
		PartnerGender:   seeker.Gender,
		PartnerLanguage: seeker.Language,
		PartnerPremium:  seeker.IsPremium,
	})

	var errs []error
	if err := sender.Send(ctx, toSeeker); err != nil {
		errs = append(errs, fmt.Errorf("matching: publish match for %d: %w", seeker.ID, err))
	}
	if err := sender.Send(ctx, toPartner); err != nil {
		errs = append(errs, fmt.Errorf("matching: publish match for %d: %w", partner.ID, err))
	}
	return errors.Join(errs...)
}
