package domain

import (
	"encoding/json"
	"testing"
)

func TestCapiStreamDecoding(t *testing.T) {
	payload := `{
		"new": [{"scope": "ip", "decisions": [{"value": "1.2.3.4", "duration": "24h", "scenario": "ssh-bf"}]}],
		"deleted": [{"scope": "range", "decisions": ["5.6.7.0/24"]}]
	}`

	var stream CapiStream
	if err := json.Unmarshal([]byte(payload), &stream); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got := stream.New[0].Decisions[0]; got.Value != "1.2.3.4" || got.Duration != "24h" || got.Scenario != "ssh-bf" {
		t.Fatalf("new decision = %+v", got)
	}
	deleted := stream.Deleted[0]
	if deleted.Scope != "range" || deleted.Decisions[0].Value != "5.6.7.0/24" || deleted.Decisions[0].Duration != DeletedDuration {
		t.Fatalf("deleted group = %+v", deleted)
	}
}

func TestCapiDecisionRejectsGarbage(t *testing.T) {
	var d CapiDecision
	if err := json.Unmarshal([]byte(`42`), &d); err == nil {
		t.Fatal("expected an error for a numeric decision")
	}
}
