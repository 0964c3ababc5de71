package remediation

import (
	"math"
	"regexp"
	"strconv"
)

// Accepts 3h24m59.5565s, 3h24m5957ms, 149h and their negative forms.
var durationPattern = regexp.MustCompile(`(-?)(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)(?:\.\d+)?(m?)s)?`)

// parseDuration converts an upstream duration to whole seconds. ok is false
// when nothing in the input matches the duration grammar.
func parseDuration(duration string) (seconds int64, ok bool) {
	matches := durationPattern.FindStringSubmatch(duration)
	if matches == nil || matches[0] == "" {
		return 0, false
	}

	var total float64
	total += float64(atoi(matches[2])) * 3600
	total += float64(atoi(matches[3])) * 60

	secondsPart := float64(atoi(matches[4]))
	if matches[5] == "m" {
		secondsPart *= 0.001
	}
	total += secondsPart

	if matches[1] == "-" {
		total = -total
	}
	return int64(math.Round(total)), true
}

func atoi(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
