package domain

import (
	"encoding/json"
	"fmt"
)

// DeletedDuration is the duration given to CAPI deletions that only carry a value.
const DeletedDuration = "0h"

// CapiDecision is one entry of a CAPI scope group. Deletions are sent as bare
// value strings and decode with DeletedDuration.
type CapiDecision struct {
	Value    string `json:"value"`
	Duration string `json:"duration"`
	Scenario string `json:"scenario,omitempty"`
}

func (c *CapiDecision) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err == nil {
		*c = CapiDecision{Value: value, Duration: DeletedDuration}
		return nil
	}

	type plain CapiDecision
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("capi decision: %w", err)
	}
	*c = CapiDecision(decoded)
	return nil
}

// CapiScopeGroup groups CAPI decisions sharing a scope.
type CapiScopeGroup struct {
	Scope     string         `json:"scope"`
	Decisions []CapiDecision `json:"decisions"`
}

// CapiStream is one pull from the CAPI decision stream.
type CapiStream struct {
	New     []CapiScopeGroup `json:"new"`
	Deleted []CapiScopeGroup `json:"deleted"`
}
