package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/kyla/chatcore/internal/protocol"
)

const (
	MaxPayloadBytes = 4096 // 4KB max stored payload
	MaxTextChars    = 2000 // max character count of a text entry
)

var ErrEmptyEntry = errors.New("chat: entry payload is empty")

// ValidateEntry checks that an entry is small enough to keep in the log.
// Text payloads must also be valid UTF-8 within MaxTextChars.
func ValidateEntry(e LogEntry) error {
	if len(e.Payload) == 0 {
		return ErrEmptyEntry
	}
	if len(e.Payload) > MaxPayloadBytes {
		return fmt.Errorf("chat: payload exceeds %d byte limit", MaxPayloadBytes)
	}
	if e.EventType != protocol.EventText {
		return nil
	}

	if !utf8.Valid(e.Payload) {
		return fmt.Errorf("chat: text contains invalid UTF-8")
	}
	var body protocol.TextPayload
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return fmt.Errorf("chat: text payload: %w", err)
	}
	if utf8.RuneCountInString(body.Text) > MaxTextChars {
		return fmt.Errorf("chat: text exceeds %d character limit", MaxTextChars)
	}
	return nil
}
