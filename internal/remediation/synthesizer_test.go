package remediation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"remedy/internal/domain"
)

var fixedNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return fixedNow }

func livePolicy() Policy {
	p := DefaultPolicy()
	p.StreamMode = false
	return p
}

func TestSynthesizeIdentifier(t *testing.T) {
	s := NewSynthesizer(DefaultPolicy(), log.New(&bytes.Buffer{}), fixedClock)

	withID, ok := s.Synthesize(domain.RawDecision{ID: 42, Origin: "cscli", Type: "ban", Scope: "Ip", Value: "1.2.3.4", Duration: "1h"})
	if !ok {
		t.Fatal("valid raw decision rejected")
	}
	if withID.Identifier() != "42" || withID.Scope() != domain.ScopeIP {
		t.Fatalf("decision = %s, want id 42 in ip scope", withID)
	}

	composite, _ := s.Synthesize(domain.RawDecision{Origin: "capi", Type: "ban", Scope: "Range", Value: "1.2.3.0/24", Duration: "1h"})
	if want := "capi|ban|range|1.2.3.0/24"; composite.Identifier() != want {
		t.Fatalf("identifier = %q, want %q", composite.Identifier(), want)
	}
}

func TestSynthesizeRejectsIncompleteRecords(t *testing.T) {
	var logs bytes.Buffer
	s := NewSynthesizer(DefaultPolicy(), log.New(&logs), fixedClock)

	raws := []domain.RawDecision{
		{Origin: "cscli", Type: "ban", Scope: "ip", Duration: "1h"},
		{Origin: "cscli", Type: "ban", Scope: "ip", Value: "1.2.3.4", Duration: "1h"},
		{Type: "ban", Scope: "ip", Value: "1.2.3.5", Duration: "1h"},
	}
	decisions := s.SynthesizeAll(raws)
	if len(decisions) != 1 || decisions[0].Value() != "1.2.3.4" {
		t.Fatalf("decisions = %v, want only the complete record", decisions)
	}
	if strings.Count(logs.String(), "RAW_DECISION_NOT_AS_EXPECTED") != 2 {
		t.Fatalf("expected two rejection events, logs: %s", logs.String())
	}
}

func TestExpirationPolicy(t *testing.T) {
	stream := NewSynthesizer(DefaultPolicy(), log.New(&bytes.Buffer{}), fixedClock)
	live := NewSynthesizer(livePolicy(), log.New(&bytes.Buffer{}), fixedClock)
	now := fixedNow.Unix()

	tests := []struct {
		name  string
		synth *Synthesizer
		raw   domain.RawDecision
		want  int64
	}{
		{"bypass uses clean ttl", stream, domain.RawDecision{Origin: "o", Type: "bypass", Scope: "ip", Value: "1.1.1.1", Duration: "4h"}, now + 60},
		{"stream trusts upstream", stream, domain.RawDecision{Origin: "o", Type: "ban", Scope: "ip", Value: "1.1.1.1", Duration: "4h"}, now + 4*3600},
		{"live clamps to bad ttl", live, domain.RawDecision{Origin: "o", Type: "ban", Scope: "ip", Value: "1.1.1.1", Duration: "4h"}, now + 120},
		{"live keeps short bans", live, domain.RawDecision{Origin: "o", Type: "ban", Scope: "ip", Value: "1.1.1.1", Duration: "30s"}, now + 30},
		{"negative duration expires immediately", stream, domain.RawDecision{Origin: "o", Type: "ban", Scope: "ip", Value: "1.1.1.1", Duration: "-10s"}, now - 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := tt.synth.Synthesize(tt.raw)
			if !ok {
				t.Fatal("raw decision rejected")
			}
			if d.ExpiresAt() != tt.want {
				t.Fatalf("expiresAt = %d, want %d", d.ExpiresAt(), tt.want)
			}
		})
	}
}
