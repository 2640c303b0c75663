package moderation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kyla/chatcore/internal/protocol"
)

var (
	// urlPattern matches http/https URLs, www. hosts and bare domains on
	// common TLDs. A bare domain needs a trailing "/" so that "v2.0" or
	// "3.14" do not count.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches +1-555-123-4567, (555) 123-4567, 555.123.4567
	// and similar. It is anchored on whitespace so digits inside words and
	// short numbers like "100" are ignored.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// telegramHandlePattern matches channel and user handles like
	// "@my_channel" or "t.me/my_channel". Handles are at least five
	// characters long.
	telegramHandlePattern = regexp.MustCompile(`(?i)(?:^|\s)(?:@|t\.me/)[a-z][a-z0-9_]{4,31}\b`)
)

type check struct {
	term     string
	vtype    string
	severity string
	match    func(string) bool
}

// checks run in order. Every matching check produces a Finding.
var checks = []check{
	{term: "url", vtype: TypePromotion, severity: protocol.SeverityMedium, match: urlPattern.MatchString},
	{term: "handle", vtype: TypePromotion, severity: protocol.SeverityMedium, match: telegramHandlePattern.MatchString},
	{term: "phone", vtype: TypePromotion, severity: protocol.SeverityHigh, match: phonePattern.MatchString},
	{term: "char_flood", vtype: TypeFlood, severity: protocol.SeverityLow, match: hasCharFlood},
	{term: "word_flood", vtype: TypeFlood, severity: protocol.SeverityLow, match: hasWordFlood},
}

// hasCharFlood reports 5 or more consecutive identical runes. RE2 has no
// backreferences, hence the scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r != prev {
			count, prev = 1, r
			continue
		}
		if count++; count >= threshold {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same whitespace-delimited word 3 or more times in
// a row, ignoring case.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		w = strings.ToLower(w)
		if w != prev {
			count, prev = 1, w
			continue
		}
		if count++; count >= threshold {
			return true
		}
	}
	return false
}
