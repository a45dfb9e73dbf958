package aggregator

import (
	"encoding/json"
	"strconv"
	"strings"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists the closed severity set, most severe first.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

func (s Severity) rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return len(Severities)
}

// NormalizeSeverity maps a vendor severity word onto the closed set.
// Unrecognized or empty values are reported as info.
func NormalizeSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "FATAL", "BLOCKER", "VERY_HIGH":
		return SeverityCritical
	case "HIGH", "IMPORTANT", "ERROR", "MAJOR", "SEVERE":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "WARN", "WARNING":
		return SeverityMedium
	case "LOW", "MINOR", "CONVENTION", "REFACTOR":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// zap risk codes: 3 high, 2 medium, 1 low, 0 informational.
func riskCodeSeverity(code int) Severity {
	switch code {
	case 3:
		return SeverityHigh
	case 2:
		return SeverityMedium
	case 1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// eslint numeric levels: 2 error, 1 warning.
func eslintSeverity(level int) Severity {
	switch level {
	case 2:
		return SeverityHigh
	case 1:
		return SeverityMedium
	default:
		return SeverityInfo
	}
}

// severityOf reads the severity of one raw finding, trying the field names
// the analyzer tools use.
func severityOf(f map[string]json.RawMessage) Severity {
	if raw, ok := f["riskcode"]; ok {
		if n, ok := intValue(raw); ok {
			return riskCodeSeverity(n)
		}
	}
	for _, key := range []string{"severity", "issue_severity", "level", "risk", "impact"} {
		raw, ok := f[key]
		if !ok {
			continue
		}
		if n, ok := intValue(raw); ok {
			return eslintSeverity(n)
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return NormalizeSeverity(s)
		}
	}
	return SeverityInfo
}

// intValue accepts JSON numbers and numeric strings.
func intValue(raw json.RawMessage) (int, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// Breakdown counts findings per severity. It always carries every key.
type Breakdown map[Severity]int

func newBreakdown() Breakdown {
	b := make(Breakdown, len(Severities))
	for _, s := range Severities {
		b[s] = 0
	}
	return b
}
