package domain

// RawDecision is a decision as received from an upstream source, before
// validation. LAPI sends numeric ids; CAPI and deletion payloads may not.
type RawDecision struct {
	ID       int64  `json:"id,omitempty"`
	Origin   string `json:"origin"`
	Type     string `json:"type"`
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	Duration string `json:"duration"`
	Scenario string `json:"scenario,omitempty"`
}

// StreamDecisions is one pull from a decision stream.
type StreamDecisions struct {
	New     []RawDecision `json:"new"`
	Deleted []RawDecision `json:"deleted"`
}
