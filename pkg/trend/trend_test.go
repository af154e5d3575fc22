package trend

import (
	"testing"
	"time"

	"github.com/exploopio/vulnsla/pkg/aging"
	"github.com/exploopio/vulnsla/pkg/normalize"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

func TestAggregate(t *testing.T) {
	at := time.Date(2024, 5, 10, 17, 45, 0, 0, time.FixedZone("EST", -5*3600))

	var counts severity.CountBySeverity
	for _, l := range []severity.Level{severity.Critical, severity.High, severity.Info, severity.Info} {
		counts.Increment(l)
	}
	summary := normalize.Summary{Source: "nessus", Findings: 4, Hosts: 2, BySeverity: counts}

	evals := []aging.Evaluation{
		{Severity: severity.Critical, AgeDays: 16, TargetDays: 15, Breached: true},
		{Severity: severity.Critical, AgeDays: 3, TargetDays: 15, Breached: false},
		{Severity: severity.High, AgeDays: 31, TargetDays: 30, Breached: true},
		{Severity: severity.Medium, AgeDays: 61, TargetDays: 60, Breached: true},
		{Severity: severity.Low, AgeDays: 91, TargetDays: 90, Breached: true},
		{Severity: severity.Info, AgeDays: 400, TargetDays: 180, Breached: true},
		{Severity: severity.Unknown, AgeDays: 100, TargetDays: 90, Breached: true},
	}

	p := Aggregate(summary, evals, at)

	want := BreachCounts{Critical: 1, High: 1, Medium: 1, Low: 1, Total: 4}
	if p.Breaches != want {
		t.Errorf("Breaches = %+v, want %+v", p.Breaches, want)
	}
	if p.Breaches.Total != p.Breaches.Critical+p.Breaches.High+p.Breaches.Medium+p.Breaches.Low {
		t.Error("Total is not the sum of the buckets")
	}
	if p.Hosts != 2 || p.Findings != 4 || p.Info != 2 {
		t.Errorf("Point = %+v", p)
	}
	// 17:45 EST is 22:45 UTC on the same day.
	if wantDate := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC); !p.ScanDate.Equal(wantDate) {
		t.Errorf("ScanDate = %v, want %v", p.ScanDate, wantDate)
	}
}

func TestDate(t *testing.T) {
	late := time.Date(2024, 5, 10, 23, 30, 0, 0, time.FixedZone("PDT", -7*3600))
	if got, want := Date(late), time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Date() = %v, want %v", got, want)
	}
}

func TestDelta(t *testing.T) {
	prev := Point{Breaches: BreachCounts{Critical: 2, High: 1, Total: 3}}
	cur := Point{Breaches: BreachCounts{Critical: 1, High: 3, Low: 1, Total: 5}}
	want := BreachCounts{Critical: -1, High: 2, Low: 1, Total: 2}
	if got := Delta(prev, cur); got != want {
		t.Errorf("Delta() = %+v, want %+v", got, want)
	}
	if got := Delta(Point{}, cur); got != cur.Breaches {
		t.Errorf("Delta(zero) = %+v, want %+v", got, cur.Breaches)
	}
}
