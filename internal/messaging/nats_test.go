package messaging

import "testing"

func TestSubjects(t *testing.T) {
	if got := RelaySubject(42); got != "relay.out.42" {
		t.Errorf("RelaySubject(42) = %q", got)
	}
	if got := MatchFoundSubject(-7); got != "match.found.-7" {
		t.Errorf("MatchFoundSubject(-7) = %q", got)
	}
}
