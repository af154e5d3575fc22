// Package severity provides the canonical severity levels for scan findings
// and the mappings from scanner vocabularies onto them.
//
// Scanners report severity either as an integer risk code (0..4) or as a
// text label. Anything that does not map exactly lands on Unknown instead of
// silently defaulting, so callers can count and report malformed input.
package severity

import (
	"sort"
	"strings"
)

// Level represents a severity level for security findings.
type Level string

const (
	// Critical - Immediate action required.
	Critical Level = "critical"

	// High - Serious vulnerability that should be addressed urgently.
	High Level = "high"

	// Medium - Moderate risk, should be addressed in normal remediation cycle.
	Medium Level = "medium"

	// Low - Minor issue, address when convenient.
	Low Level = "low"

	// Info - Informational finding, never actionable.
	Info Level = "info"

	// Unknown - Severity could not be determined from the scanner input.
	Unknown Level = "unknown"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Info, Unknown}
}

// Actionable returns the levels that count towards SLA breach totals.
func Actionable() []Level {
	return []Level{Critical, High, Medium, Low}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// IsKnown reports whether the level is one of the five named levels.
func (l Level) IsKnown() bool {
	return l.Priority() > 0
}

// IsHigherThan returns true if this severity is higher than the other.
func (l Level) IsHigherThan(other Level) bool {
	return l.Priority() > other.Priority()
}

// IsAtLeast returns true if this severity is at least as high as the other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// FromCode maps a numeric scanner risk code onto a level:
// 4 critical, 3 high, 2 medium, 1 low, 0 info. Any other code is Unknown.
func FromCode(code int) Level {
	switch code {
	case 4:
		return Critical
	case 3:
		return High
	case 2:
		return Medium
	case 1:
		return Low
	case 0:
		return Info
	default:
		return Unknown
	}
}

// Code returns the numeric risk code of the level, or -1 for Unknown.
func (l Level) Code() int {
	switch l {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	case Info:
		return 0
	default:
		return -1
	}
}

// FromText maps a text label onto a level. Surrounding whitespace is
// trimmed, then the label must equal one of the five level names ignoring
// case; anything else is Unknown.
func FromText(label string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(label))) {
	case Critical:
		return Critical
	case High:
		return High
	case Medium:
		return Medium
	case Low:
		return Low
	case Info:
		return Info
	default:
		return Unknown
	}
}

// Compare returns:
//
//	-1 if a < b (a is lower severity)
//	 0 if a == b
//	+1 if a > b (a is higher severity)
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// Max returns the higher severity of two levels.
func Max(a, b Level) Level {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// Worst returns the highest of the given levels, or Unknown for none.
func Worst(levels ...Level) Level {
	worst := Unknown
	for _, l := range levels {
		worst = Max(worst, l)
	}
	return worst
}

// Sort orders levels from highest to lowest severity.
func Sort(levels []Level) {
	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].IsHigherThan(levels[j])
	})
}

// CountBySeverity counts findings by severity level.
type CountBySeverity struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *CountBySeverity) Increment(level Level) {
	c.Total++
	switch level {
	case Critical:
		c.Critical++
	case High:
		c.High++
	case Medium:
		c.Medium++
	case Low:
		c.Low++
	case Info:
		c.Info++
	default:
		c.Unknown++
	}
}

// Get returns the count for a single level.
func (c *CountBySeverity) Get(level Level) int {
	switch level {
	case Critical:
		return c.Critical
	case High:
		return c.High
	case Medium:
		return c.Medium
	case Low:
		return c.Low
	case Info:
		return c.Info
	default:
		return c.Unknown
	}
}

// HighestSeverity returns the highest severity level that has a non-zero count.
func (c *CountBySeverity) HighestSeverity() Level {
	for _, l := range AllLevels() {
		if c.Get(l) > 0 {
			return l
		}
	}
	return Unknown
}
