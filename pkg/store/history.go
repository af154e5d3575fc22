package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exploopio/vulnsla/pkg/compress"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/normalize"
	"github.com/exploopio/vulnsla/pkg/trend"
)

// ImportStatus is the outcome of one import.
type ImportStatus string

const (
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// ImportRecord is one row of the import history.
type ImportRecord struct {
	ID         string         `json:"id"`
	Source     finding.Source `json:"source"`
	Status     ImportStatus   `json:"status"`
	ImportedAt time.Time      `json:"imported_at"`

	// PayloadSize is the size of the raw scan file before compression.
	PayloadSize int                `json:"payload_size"`
	Compression compress.Algorithm `json:"compression"`
	Payload     []byte             `json:"-"`
	Summary     *normalize.Summary `json:"summary,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// SaveImport commits a completed import atomically: the normalized records,
// the trend point and the history row.
func (s *Store) SaveImport(ctx context.Context, rec *ImportRecord, res *normalize.Result, point *trend.Point) error {
	return s.withTx(ctx, "store.SaveImport", func(tx *sql.Tx) error {
		if res != nil {
			if err := saveResult(ctx, tx, res); err != nil {
				return err
			}
		}
		if point != nil {
			if err := appendTrend(ctx, tx, point); err != nil {
				return err
			}
		}
		return recordImport(ctx, tx, rec)
	})
}

// AppendTrend stores a trend point. Points are never updated; a second
// point for the same import is rejected with a conflict.
func (s *Store) AppendTrend(ctx context.Context, p *trend.Point) error {
	return s.withTx(ctx, "store.AppendTrend", func(tx *sql.Tx) error {
		return appendTrend(ctx, tx, p)
	})
}

func appendTrend(ctx context.Context, tx *sql.Tx, p *trend.Point) error {
	if p.ImportID == "" {
		return verrors.E(verrors.KindInvalidInput, "store.AppendTrend", "trend point has no import id")
	}

	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trend_points WHERE import_id = ?`, p.ImportID).Scan(&exists)
	if err != nil {
		return storageError("store.AppendTrend", "check trend point", err)
	}
	if exists > 0 {
		return verrors.E(verrors.KindConflict, "store.AppendTrend",
			fmt.Sprintf("point for import %s already recorded", p.ImportID))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trend_points (
			import_id, source, scan_date, recorded_at, hosts, findings, info,
			critical_breaches, high_breaches, medium_breaches, low_breaches, total_breaches
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ImportID, string(p.Source), unixNano(p.ScanDate), unixNano(p.RecordedAt),
		p.Hosts, p.Findings, p.Info,
		p.Breaches.Critical, p.Breaches.High, p.Breaches.Medium, p.Breaches.Low, p.Breaches.Total,
	)
	if err != nil {
		return storageError("store.AppendTrend", "insert trend point", err)
	}
	return nil
}

// ListTrend returns the trend history ordered by scan date, then by the
// time each point was recorded.
func (s *Store) ListTrend(ctx context.Context) ([]trend.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT import_id, source, scan_date, recorded_at, hosts, findings, info,
			critical_breaches, high_breaches, medium_breaches, low_breaches, total_breaches
		FROM trend_points
		ORDER BY scan_date, recorded_at, import_id
	`)
	if err != nil {
		return nil, storageError("store.ListTrend", "query trend points", err)
	}
	defer rows.Close()

	var points []trend.Point
	for rows.Next() {
		var (
			p                    trend.Point
			source               string
			scanDate, recordedAt int64
		)
		err := rows.Scan(
			&p.ImportID, &source, &scanDate, &recordedAt, &p.Hosts, &p.Findings, &p.Info,
			&p.Breaches.Critical, &p.Breaches.High, &p.Breaches.Medium, &p.Breaches.Low, &p.Breaches.Total,
		)
		if err != nil {
			return nil, storageError("store.ListTrend", "scan trend point", err)
		}
		p.Source = finding.Source(source)
		p.ScanDate = fromUnixNano(scanDate)
		p.RecordedAt = fromUnixNano(recordedAt)
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("store.ListTrend", "read trend points", err)
	}
	return points, nil
}

// RecordImport stores an import history row. Re-recording an id updates its
// status, summary and error.
func (s *Store) RecordImport(ctx context.Context, rec *ImportRecord) error {
	return s.withTx(ctx, "store.RecordImport", func(tx *sql.Tx) error {
		return recordImport(ctx, tx, rec)
	})
}

func recordImport(ctx context.Context, tx *sql.Tx, rec *ImportRecord) error {
	if rec == nil || rec.ID == "" {
		return verrors.E(verrors.KindInvalidInput, "store.RecordImport", "import record has no id")
	}
	summary := []byte("{}")
	if rec.Summary != nil {
		var err error
		if summary, err = json.Marshal(rec.Summary); err != nil {
			return verrors.E(verrors.KindInternal, "store.RecordImport", "encode summary", err)
		}
	}
	algo := rec.Compression
	if algo == "" {
		algo = compress.AlgorithmNone
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO scan_imports (
			id, source, status, imported_at, payload_size, compression, payload, summary, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			error = excluded.error
	`,
		rec.ID, string(rec.Source), string(rec.Status), unixNano(rec.ImportedAt),
		rec.PayloadSize, string(algo), rec.Payload, string(summary), rec.Error,
	)
	if err != nil {
		return storageError("store.RecordImport", "upsert import", err)
	}
	return nil
}

// ListImports returns the import history, newest first. Payloads are not
// loaded.
func (s *Store) ListImports(ctx context.Context) ([]ImportRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, status, imported_at, payload_size, compression, summary, error
		FROM scan_imports
		ORDER BY imported_at DESC, id
	`)
	if err != nil {
		return nil, storageError("store.ListImports", "query imports", err)
	}
	defer rows.Close()

	var out []ImportRecord
	for rows.Next() {
		var (
			rec                           ImportRecord
			source, status, algo, summary string
			importedAt                    int64
		)
		err := rows.Scan(&rec.ID, &source, &status, &importedAt, &rec.PayloadSize, &algo, &summary, &rec.Error)
		if err != nil {
			return nil, storageError("store.ListImports", "scan import", err)
		}
		rec.Source = finding.Source(source)
		rec.Status = ImportStatus(status)
		rec.ImportedAt = fromUnixNano(importedAt)
		rec.Compression = compress.Algorithm(algo)
		if summary != "{}" {
			var sum normalize.Summary
			if err := json.Unmarshal([]byte(summary), &sum); err == nil {
				rec.Summary = &sum
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("store.ListImports", "read imports", err)
	}
	return out, nil
}

// ImportPayload returns the archived payload of one import as stored, with
// the algorithm it was compressed with.
func (s *Store) ImportPayload(ctx context.Context, id string) ([]byte, compress.Algorithm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		payload []byte
		algo    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, compression FROM scan_imports WHERE id = ?`, id).Scan(&payload, &algo)
	if err == sql.ErrNoRows {
		return nil, "", verrors.E(verrors.KindNotFound, "store.ImportPayload", "import "+id+" not found")
	}
	if err != nil {
		return nil, "", storageError("store.ImportPayload", "query payload", err)
	}
	return payload, compress.Algorithm(algo), nil
}
