// Package moderation detects promotion and flooding in relayed text and
// reports it as violations for the escalation policy to act on.
package moderation

import "github.com/kyla/chatcore/internal/protocol"

// Violation types produced by the detector. They match the values the
// violation tracker counts.
const (
	TypePromotion = "promotion"
	TypeFlood     = "flood"
)

// Finding is one pattern match in a message.
type Finding struct {
	// Type is the violation type the match counts as.
	Type string
	// Term names the pattern that matched: "url", "phone", "char_flood" or
	// "word_flood".
	Term     string
	Severity string
}

// Violation builds the event published for f on behalf of ev's sender.
// The event id is derived from the inbound id so redeliveries collapse.
func (f Finding) Violation(ev protocol.InboundEvent) protocol.ViolationRecorded {
	return protocol.ViolationRecorded{
		EventID:       ev.ID + ":" + f.Type,
		UserID:        ev.SenderUserID,
		ViolationType: f.Type,
		Severity:      f.Severity,
	}
}
