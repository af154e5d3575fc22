// Package sla maps severities to remediation windows and decides breach.
package sla

import (
	"fmt"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// Default remediation windows in days.
const (
	DefaultCriticalDays = 15
	DefaultHighDays     = 30
	DefaultMediumDays   = 60
	DefaultLowDays      = 90
	DefaultInfoDays     = 180

	// DefaultUnknownDays treats Unknown like Medium-or-lower risk.
	DefaultUnknownDays = 90
)

// Policy is a remediation window table keyed by severity.
type Policy struct {
	Critical int `yaml:"critical" json:"critical"`
	High     int `yaml:"high" json:"high"`
	Medium   int `yaml:"medium" json:"medium"`
	Low      int `yaml:"low" json:"low"`
	Info     int `yaml:"info" json:"info"`
	Unknown  int `yaml:"unknown" json:"unknown"`
}

// DefaultPolicy returns the standard remediation table.
func DefaultPolicy() Policy {
	return Policy{
		Critical: DefaultCriticalDays,
		High:     DefaultHighDays,
		Medium:   DefaultMediumDays,
		Low:      DefaultLowDays,
		Info:     DefaultInfoDays,
		Unknown:  DefaultUnknownDays,
	}
}

// Validate rejects tables with a non-positive window.
func (p Policy) Validate() error {
	for _, l := range severity.AllLevels() {
		if days, _ := p.Target(l); days <= 0 {
			return verrors.E(verrors.KindInvalidInput, "sla.Policy.Validate",
				fmt.Sprintf("target days for %s must be positive, got %d", l, days))
		}
	}
	return nil
}

// Target returns the window for a level. fallback is true when the level is
// not one of the five named levels and the Unknown window was used.
func (p Policy) Target(l severity.Level) (days int, fallback bool) {
	switch l {
	case severity.Critical:
		return p.Critical, false
	case severity.High:
		return p.High, false
	case severity.Medium:
		return p.Medium, false
	case severity.Low:
		return p.Low, false
	case severity.Info:
		return p.Info, false
	default:
		return p.Unknown, true
	}
}

// TargetDays returns the window for a level.
func (p Policy) TargetDays(l severity.Level) int {
	days, _ := p.Target(l)
	return days
}

// TargetDays returns the default window for a level.
func TargetDays(l severity.Level) int {
	return DefaultPolicy().TargetDays(l)
}

// IsBreached reports whether a finding of the given age has exceeded its
// window. A finding exactly at its target day is not yet breached.
func IsBreached(ageDays, targetDays int) bool {
	return ageDays > targetDays
}

// DaysRemaining returns the days left before breach; negative once breached.
func DaysRemaining(ageDays, targetDays int) int {
	return targetDays - ageDays
}
