package remediation

import (
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"remedy/internal/domain"
)

// Synthesizer validates raw upstream decisions and fixes their expiration.
type Synthesizer struct {
	streamMode bool
	cleanTTL   int64
	badTTL     int64
	logger     *log.Logger
	now        func() time.Time
}

func NewSynthesizer(policy Policy, logger *log.Logger, now func() time.Time) *Synthesizer {
	policy = policy.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{
		streamMode: policy.StreamMode,
		cleanTTL:   int64(policy.CleanIPCacheDuration),
		badTTL:     int64(policy.BadIPCacheDuration),
		logger:     logger,
		now:        now,
	}
}

// Synthesize builds a Decision from a raw record. It returns false, after
// logging, when a required field is missing.
func (s *Synthesizer) Synthesize(raw domain.RawDecision) (domain.Decision, bool) {
	if raw.Scope == "" || raw.Value == "" || raw.Type == "" || raw.Origin == "" || raw.Duration == "" {
		s.logger.Warn("Raw decision is not as expected", "type", "RAW_DECISION_NOT_AS_EXPECTED", "raw_decision", raw)
		return domain.Decision{}, false
	}

	scope := domain.NormalizeScope(raw.Scope)
	return domain.NewDecision(
		identifier(raw, scope),
		scope,
		raw.Value,
		raw.Type,
		raw.Origin,
		s.expiresAt(raw.Type, raw.Duration),
	), true
}

// SynthesizeAll converts a batch, dropping the records Synthesize rejects.
func (s *Synthesizer) SynthesizeAll(raws []domain.RawDecision) []domain.Decision {
	decisions := make([]domain.Decision, 0, len(raws))
	for _, raw := range raws {
		if d, ok := s.Synthesize(raw); ok {
			decisions = append(decisions, d)
		}
	}
	return decisions
}

// ParseDurationToSeconds parses an upstream duration. Unparseable input is
// logged and counts as zero seconds.
func (s *Synthesizer) ParseDurationToSeconds(duration string) int64 {
	seconds, ok := parseDuration(duration)
	if !ok {
		s.logger.Error("Decision duration could not be parsed", "type", "DECISION_DURATION_PARSE_ERROR", "duration", duration)
		return 0
	}
	return seconds
}

func (s *Synthesizer) expiresAt(kind, duration string) int64 {
	var seconds int64
	if kind == domain.RemediationBypass {
		seconds = s.cleanTTL
	} else {
		seconds = s.ParseDurationToSeconds(duration)
		if !s.streamMode {
			seconds = min(s.badTTL, seconds)
		}
	}
	return s.now().Unix() + seconds
}

func identifier(raw domain.RawDecision, scope domain.Scope) string {
	if raw.ID > 0 {
		return strconv.FormatInt(raw.ID, 10)
	}
	return domain.CompositeIdentifier(raw.Origin, raw.Type, scope, raw.Value)
}
