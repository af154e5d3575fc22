// Package aging tracks when each vulnerability was first and last seen and
// derives its age and SLA breach state from those two dates.
//
// Age and breach are never stored. They are computed on every read from the
// dates and the frozen SLA target so they cannot drift apart.
package aging

import (
	"encoding/json"
	"fmt"
	"time"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
	"github.com/exploopio/vulnsla/pkg/sla"
)

const day = 24 * time.Hour

// Record is the SLA/aging state owned by one vulnerability.
type Record struct {
	FirstDetected time.Time `json:"first_detected_date"`
	LastSeen      time.Time `json:"last_seen_date"`
	SLATargetDays int       `json:"sla_target_days"`

	// TargetFallback is set when the target came from the Unknown window.
	TargetFallback bool `json:"sla_target_fallback,omitempty"`
}

// AgeDays returns the whole days between first detection and last sighting.
func (r Record) AgeDays() int {
	d := r.LastSeen.Sub(r.FirstDetected)
	if d < 0 {
		return 0
	}
	return int(d / day)
}

// IsBreach reports whether the record has aged past its SLA target.
func (r Record) IsBreach() bool {
	return sla.IsBreached(r.AgeDays(), r.SLATargetDays)
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	if r.SLATargetDays <= 0 {
		return verrors.E(verrors.KindInvalidInput, "aging.Record.Validate",
			fmt.Sprintf("sla target days must be positive, got %d", r.SLATargetDays))
	}
	if r.LastSeen.Before(r.FirstDetected) {
		return verrors.E(verrors.KindInvalidInput, "aging.Record.Validate",
			"last seen date precedes first detected date")
	}
	return nil
}

// MarshalJSON includes the derived age and breach fields.
func (r Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal(struct {
		plain
		AgeDays  int  `json:"age_days"`
		IsBreach bool `json:"is_sla_breach"`
	}{
		plain:    plain(r),
		AgeDays:  r.AgeDays(),
		IsBreach: r.IsBreach(),
	})
}

// Evaluation is a point-in-time read of a record.
type Evaluation struct {
	Severity      severity.Level `json:"severity"`
	AgeDays       int            `json:"age_days"`
	TargetDays    int            `json:"sla_target_days"`
	Breached      bool           `json:"is_sla_breach"`
	DaysRemaining int            `json:"days_remaining"`
}

// Tracker creates and advances aging records under one SLA policy.
type Tracker struct {
	policy sla.Policy
}

// NewTracker creates a tracker for the given policy.
func NewTracker(policy sla.Policy) *Tracker {
	return &Tracker{policy: policy}
}

// Policy returns the tracker's SLA policy.
func (t *Tracker) Policy() sla.Policy {
	return t.policy
}

// Open starts a record for a newly detected vulnerability.
func (t *Tracker) Open(level severity.Level, at time.Time) Record {
	at = at.UTC()
	days, fallback := t.policy.Target(level)
	return Record{
		FirstDetected:  at,
		LastSeen:       at,
		SLATargetDays:  days,
		TargetFallback: fallback,
	}
}

// Observe records another sighting. The last seen date never moves
// backwards; an older timestamp is rejected with ErrOutOfOrder.
func (t *Tracker) Observe(rec *Record, at time.Time) error {
	at = at.UTC()
	if at.Before(rec.LastSeen) {
		return verrors.WrapWithMessage(verrors.ErrOutOfOrder,
			fmt.Sprintf("import at %s precedes last seen %s",
				at.Format(time.RFC3339), rec.LastSeen.Format(time.RFC3339)))
	}
	rec.LastSeen = at
	return nil
}

// Revise re-derives the SLA target after an explicit severity revision.
func (t *Tracker) Revise(rec *Record, level severity.Level) {
	rec.SLATargetDays, rec.TargetFallback = t.policy.Target(level)
}

// Evaluate reads age and breach state for a record.
func (t *Tracker) Evaluate(level severity.Level, rec Record) Evaluation {
	age := rec.AgeDays()
	return Evaluation{
		Severity:      level,
		AgeDays:       age,
		TargetDays:    rec.SLATargetDays,
		Breached:      rec.IsBreach(),
		DaysRemaining: sla.DaysRemaining(age, rec.SLATargetDays),
	}
}
