// Package protocol defines the JSON messages exchanged between the chat core
// and its collaborators over NATS: inbound chat events from the ingestion
// layer, outbound relay instructions for the send primitive, and the
// command/violation envelopes consumed by the workers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Inbound chat events
// ---------------------------------------------------------------------------

// Inbound event types.
const (
	EventText  = "text"
	EventMedia = "media"
)

// InboundEvent is a message a user sent to the bot. Payload is opaque to the
// core and relayed byte for byte.
type InboundEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"eventType"`
	SenderUserID int64           `json:"senderUserId"`
	Payload      json.RawMessage `json:"payload"`
}

func (e InboundEvent) IsMedia() bool { return e.EventType == EventMedia }

// TextPayload is the payload shape of text events.
type TextPayload struct {
	Text string `json:"text"`
}

// Text extracts the text of a text event. It returns "" for media events and
// for payloads that are not a TextPayload.
func (e InboundEvent) Text() string {
	if e.EventType != EventText {
		return ""
	}
	var p TextPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.Text
}

var (
	ErrMissingSender = errors.New("protocol: missing senderUserId")
	ErrMissingUser   = errors.New("protocol: missing userId")
)

// ParseInbound decodes and validates an inbound chat event. Events without an
// id get one assigned so that downstream logs can correlate them.
func ParseInbound(data []byte) (InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("protocol: failed to parse inbound event: %w", err)
	}
	switch ev.EventType {
	case EventText, EventMedia:
	case "":
		return ev, fmt.Errorf("protocol: missing or empty \"eventType\" field")
	default:
		return ev, fmt.Errorf("protocol: unknown event type: %q", ev.EventType)
	}
	if ev.SenderUserID == 0 {
		return ev, ErrMissingSender
	}
	if len(ev.Payload) == 0 {
		return ev, fmt.Errorf("protocol: empty payload for %q event", ev.EventType)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	} else if _, err := uuid.Parse(ev.ID); err != nil {
		return ev, fmt.Errorf("protocol: invalid event id %q: %w", ev.ID, err)
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Outbound relay instructions
// ---------------------------------------------------------------------------

// Relay tells the send primitive to deliver Payload to TargetUserID.
type Relay struct {
	TargetUserID int64           `json:"targetUserId"`
	Payload      json.RawMessage `json:"payload"`
}

// Forward relays an inbound event to target with the original payload.
func Forward(target int64, ev InboundEvent) Relay {
	body, _ := json.Marshal(struct {
		Type      string          `json:"type"`
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
	}{Type: TypeRelay, EventType: ev.EventType, Payload: ev.Payload})
	return Relay{TargetUserID: target, Payload: body}
}

// ---------------------------------------------------------------------------
// Notices
// ---------------------------------------------------------------------------

// Notice types delivered to users. The presentation layer maps them to
// localized text.
const (
	TypeRelay              = "relay"
	TypeNoConversation     = "no_conversation"
	TypePairDeleted        = "pair_deleted"
	TypeBlocked            = "blocked"
	TypeLocked             = "locked"
	TypeSafeModeRestricted = "safe_mode_restricted"
	TypeMediaRequest       = "media_request"
	TypeMediaGranted       = "media_granted"
	TypeMediaRevoked       = "media_revoked"
	TypeSafeModeChanged    = "safe_mode_changed"
	TypePartnerInactive    = "partner_inactive"
	TypeSearching          = "searching"
	TypeSearchCancelled    = "search_cancelled"
	TypeNothingToCancel    = "nothing_to_cancel"
	TypeSearchTimeout      = "search_timeout"
	TypeMatchFound         = "match_found"
	TypeAlreadyChatting    = "already_chatting"
	TypeConversationEnded  = "conversation_ended"
	TypePartnerLeft        = "partner_left"
	TypeRatingSaved        = "rating_saved"
	TypeRatingRejected     = "rating_rejected"
	TypeStats              = "stats"
	TypeBanned             = "banned"
	TypeRateLimited        = "rate_limited"
	TypeTryAgain           = "try_again"
)

// MatchFoundNotice is sent to both sides of a new pair.
type MatchFoundNotice struct {
	PairID          int64  `json:"pairId"`
	PartnerGender   string `json:"partnerGender,omitempty"`
	PartnerLanguage string `json:"partnerLanguage,omitempty"`
	PartnerPremium  bool   `json:"partnerPremium,omitempty"`
}

// PairNotice carries the pair an event refers to.
type PairNotice struct {
	PairID int64 `json:"pairId"`
}

// BannedNotice is sent when a restricted user tries to search.
type BannedNotice struct {
	Until int64 `json:"until,omitempty"` // unix seconds, 0 = permanent
}

// RateLimitedNotice tells the user when to retry.
type RateLimitedNotice struct {
	RetryAfter int `json:"retryAfter"`
}

// SafeModeNotice reports the new safe-mode state.
type SafeModeNotice struct {
	Enabled bool `json:"enabled"`
}

// StatsNotice is the reply to a stats command.
type StatsNotice struct {
	ActivePairs  int     `json:"activePairs"`
	TotalUsers   int     `json:"totalUsers"`
	PremiumUsers int     `json:"premiumUsers"`
	MatchRate    float64 `json:"matchRate"`
}

// NewNotice creates a JSON-encoded notice. The msgType is injected into the
// payload under the "type" key; payload may be nil for bare notices.
func NewNotice(msgType string, payload any) ([]byte, error) {
	m := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
		}
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal notice: %w", err)
	}
	return out, nil
}

// Notify builds a relay carrying a notice for target.
func Notify(target int64, msgType string, payload any) (Relay, error) {
	body, err := NewNotice(msgType, payload)
	if err != nil {
		return Relay{}, err
	}
	return Relay{TargetUserID: target, Payload: body}, nil
}

// MustNotify is Notify for the fixed notice structs of this package.
func MustNotify(target int64, msgType string, payload any) Relay {
	r, err := Notify(target, msgType, payload)
	if err != nil {
		panic(err)
	}
	return r
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Match command actions.
const (
	ActionSearch = "search"
	ActionCancel = "cancel"
	ActionEnd    = "end"
	ActionRate   = "rate"
	ActionStats  = "stats"
)

// Safe-mode command actions.
const (
	ActionRequestMedia = "request_media"
	ActionGrantMedia   = "grant_media"
	ActionEnable       = "enable"
	ActionDisable      = "disable"
)

// MatchCommand is published by the command handler on match.command.
type MatchCommand struct {
	Action     string `json:"action"`
	UserID     int64  `json:"userId"`
	PlatformID string `json:"platformId,omitempty"`
	PairID     int64  `json:"pairId,omitempty"`
	Rating     int    `json:"rating,omitempty"`
}

// SafeModeCommand is published by the command handler on safemode.command.
type SafeModeCommand struct {
	Action string `json:"action"`
	UserID int64  `json:"userId"`
}

func ParseMatchCommand(data []byte) (MatchCommand, error) {
	var c MatchCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("protocol: failed to parse match command: %w", err)
	}
	switch c.Action {
	case ActionSearch, ActionCancel, ActionEnd, ActionRate, ActionStats:
	default:
		return c, fmt.Errorf("protocol: unknown match action: %q", c.Action)
	}
	if c.UserID == 0 {
		return c, ErrMissingUser
	}
	if c.Action == ActionRate && c.PairID == 0 {
		return c, fmt.Errorf("protocol: rate command without pairId")
	}
	return c, nil
}

func ParseSafeModeCommand(data []byte) (SafeModeCommand, error) {
	var c SafeModeCommand
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("protocol: failed to parse safe mode command: %w", err)
	}
	switch c.Action {
	case ActionRequestMedia, ActionGrantMedia, ActionEnable, ActionDisable:
	default:
		return c, fmt.Errorf("protocol: unknown safe mode action: %q", c.Action)
	}
	if c.UserID == 0 {
		return c, ErrMissingUser
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Violations
// ---------------------------------------------------------------------------

// Severity of a detected violation.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// ViolationRecorded is produced by the detection collaborator.
type ViolationRecorded struct {
	EventID       string    `json:"eventId"`
	UserID        int64     `json:"userId"`
	ViolationType string    `json:"violationType"`
	Severity      string    `json:"severity"`
	DetectedAt    time.Time `json:"detectedAt"`
}

func ParseViolation(data []byte) (ViolationRecorded, error) {
	var v ViolationRecorded
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("protocol: failed to parse violation: %w", err)
	}
	if v.UserID == 0 {
		return v, ErrMissingUser
	}
	if v.ViolationType == "" {
		return v, fmt.Errorf("protocol: missing or empty \"violationType\" field")
	}
	if v.Severity == "" {
		v.Severity = SeverityLow
	}
	if v.EventID == "" {
		v.EventID = uuid.NewString()
	}
	return v, nil
}
