// Package trend rolls per-import breach counts into an append-only history.
package trend

import (
	"time"

	"github.com/exploopio/vulnsla/pkg/aging"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/normalize"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// BreachCounts counts SLA breaches among actionable severities.
type BreachCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

// Add counts one breach. Info and Unknown never count.
func (b *BreachCounts) Add(level severity.Level) {
	switch level {
	case severity.Critical:
		b.Critical++
	case severity.High:
		b.High++
	case severity.Medium:
		b.Medium++
	case severity.Low:
		b.Low++
	default:
		return
	}
	b.Total++
}

// Point is one immutable snapshot of breach counts for one import.
type Point struct {
	ImportID string         `json:"import_id"`
	Source   finding.Source `json:"source"`

	// ScanDate is the import timestamp truncated to its UTC date.
	ScanDate   time.Time `json:"scan_date"`
	RecordedAt time.Time `json:"recorded_at"`

	Hosts    int `json:"hosts"`
	Findings int `json:"findings"`
	Info     int `json:"info"`

	Breaches BreachCounts `json:"breaches"`
}

// Aggregate builds the trend point for one normalization pass from its
// summary and the evaluations of every vulnerability it touched.
func Aggregate(summary normalize.Summary, evaluations []aging.Evaluation, at time.Time) Point {
	p := Point{
		Source:     summary.Source,
		ScanDate:   Date(at),
		RecordedAt: at.UTC(),
		Hosts:      summary.Hosts,
		Findings:   summary.Findings,
		Info:       summary.BySeverity.Info,
	}
	for _, ev := range evaluations {
		if ev.Breached {
			p.Breaches.Add(ev.Severity)
		}
	}
	return p
}

// Date truncates t to midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Delta returns cur minus prev per breach bucket. A zero prev yields the
// counts of cur.
func Delta(prev, cur Point) BreachCounts {
	return BreachCounts{
		Critical: cur.Breaches.Critical - prev.Breaches.Critical,
		High:     cur.Breaches.High - prev.Breaches.High,
		Medium:   cur.Breaches.Medium - prev.Breaches.Medium,
		Low:      cur.Breaches.Low - prev.Breaches.Low,
		Total:    cur.Breaches.Total - prev.Breaches.Total,
	}
}
