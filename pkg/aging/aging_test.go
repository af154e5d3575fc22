package aging

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
	"github.com/exploopio/vulnsla/pkg/sla"
)

var day0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func TestTracker_Open(t *testing.T) {
	tr := NewTracker(sla.DefaultPolicy())

	rec := tr.Open(severity.Critical, day0)
	if !rec.FirstDetected.Equal(day0) || !rec.LastSeen.Equal(day0) {
		t.Errorf("Open() dates = %v/%v, want both %v", rec.FirstDetected, rec.LastSeen, day0)
	}
	if rec.SLATargetDays != 15 {
		t.Errorf("SLATargetDays = %d, want 15", rec.SLATargetDays)
	}
	if rec.TargetFallback {
		t.Error("Critical should not use the fallback window")
	}
	if rec.AgeDays() != 0 || rec.IsBreach() {
		t.Error("new record should be age 0 and not breached")
	}

	unknown := tr.Open(severity.Unknown, day0)
	if !unknown.TargetFallback || unknown.SLATargetDays != 90 {
		t.Errorf("Unknown record = %+v, want fallback with 90 days", unknown)
	}
}

// Critical first seen on day 0 and last seen on day 16 is breached.
func TestTracker_CriticalBreach(t *testing.T) {
	tr := NewTracker(sla.DefaultPolicy())
	rec := tr.Open(severity.Critical, day0)

	if err := tr.Observe(&rec, day0.AddDate(0, 0, 16)); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if rec.AgeDays() != 16 {
		t.Errorf("AgeDays() = %d, want 16", rec.AgeDays())
	}
	if rec.SLATargetDays != 15 {
		t.Errorf("SLATargetDays = %d, want 15", rec.SLATargetDays)
	}
	if !rec.IsBreach() {
		t.Error("IsBreach() = false, want true")
	}
}

func TestRecord_BreachBoundary(t *testing.T) {
	tests := []struct {
		name   string
		level  severity.Level
		days   int
		breach bool
	}{
		{"critical at target", severity.Critical, 15, false},
		{"critical target+1", severity.Critical, 16, true},
		{"high at target", severity.High, 30, false},
		{"high target+1", severity.High, 31, true},
		{"info at target", severity.Info, 180, false},
		{"info target+1", severity.Info, 181, true},
	}

	tr := NewTracker(sla.DefaultPolicy())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tr.Open(tt.level, day0)
			if err := tr.Observe(&rec, day0.AddDate(0, 0, tt.days)); err != nil {
				t.Fatalf("Observe: %v", err)
			}
			if rec.IsBreach() != tt.breach {
				t.Errorf("IsBreach() = %v, want %v (age %d, target %d)",
					rec.IsBreach(), tt.breach, rec.AgeDays(), rec.SLATargetDays)
			}
			// Breach is always consistent with age and target.
			if rec.IsBreach() != (rec.AgeDays() > rec.SLATargetDays) {
				t.Error("breach state inconsistent with age and target")
			}
		})
	}
}

func TestRecord_AgeDaysFloors(t *testing.T) {
	rec := Record{
		FirstDetected: day0,
		LastSeen:      day0.Add(47*time.Hour + 59*time.Minute),
		SLATargetDays: 15,
	}
	if rec.AgeDays() != 1 {
		t.Errorf("AgeDays() = %d, want 1", rec.AgeDays())
	}
}

func TestTracker_ObserveOutOfOrder(t *testing.T) {
	tr := NewTracker(sla.DefaultPolicy())
	rec := tr.Open(severity.High, day0)
	later := day0.AddDate(0, 0, 5)
	if err := tr.Observe(&rec, later); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	err := tr.Observe(&rec, day0.AddDate(0, 0, 2))
	if err == nil {
		t.Fatal("older timestamp should be rejected")
	}
	if !errors.Is(err, verrors.ErrOutOfOrder) {
		t.Errorf("error = %v, want ErrOutOfOrder", err)
	}
	if !verrors.IsConflictError(err) {
		t.Error("out of order should be a conflict")
	}
	if !rec.LastSeen.Equal(later) {
		t.Errorf("LastSeen moved to %v after rejected observe", rec.LastSeen)
	}

	// Same timestamp is accepted and changes nothing.
	if err := tr.Observe(&rec, later); err != nil {
		t.Errorf("same timestamp should be accepted: %v", err)
	}
	if !rec.FirstDetected.Equal(day0) {
		t.Error("FirstDetected must never change on observe")
	}
}

func TestTracker_Revise(t *testing.T) {
	tr := NewTracker(sla.DefaultPolicy())
	rec := tr.Open(severity.Unknown, day0)
	tr.Revise(&rec, severity.Critical)
	if rec.SLATargetDays != 15 || rec.TargetFallback {
		t.Errorf("Revise() = %+v, want 15 days without fallback", rec)
	}
}

func TestTracker_Evaluate(t *testing.T) {
	tr := NewTracker(sla.DefaultPolicy())
	rec := tr.Open(severity.Medium, day0)
	_ = tr.Observe(&rec, day0.AddDate(0, 0, 70))

	ev := tr.Evaluate(severity.Medium, rec)
	if ev.AgeDays != 70 || ev.TargetDays != 60 || !ev.Breached || ev.DaysRemaining != -10 {
		t.Errorf("Evaluate() = %+v", ev)
	}
}

func TestRecord_Validate(t *testing.T) {
	ok := Record{FirstDetected: day0, LastSeen: day0, SLATargetDays: 30}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	zero := ok
	zero.SLATargetDays = 0
	if zero.Validate() == nil {
		t.Error("zero target should be invalid")
	}

	backwards := ok
	backwards.LastSeen = day0.Add(-time.Hour)
	if backwards.Validate() == nil {
		t.Error("last seen before first detected should be invalid")
	}
}

func TestRecord_MarshalJSON(t *testing.T) {
	rec := Record{FirstDetected: day0, LastSeen: day0.AddDate(0, 0, 16), SLATargetDays: 15}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out["age_days"].(float64) != 16 {
		t.Errorf("age_days = %v, want 16", out["age_days"])
	}
	if out["is_sla_breach"] != true {
		t.Errorf("is_sla_breach = %v, want true", out["is_sla_breach"])
	}
	if out["sla_target_days"].(float64) != 15 {
		t.Errorf("sla_target_days = %v, want 15", out["sla_target_days"])
	}
}
