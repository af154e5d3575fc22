package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/inventory"
	"github.com/exploopio/vulnsla/pkg/normalize"
	"github.com/exploopio/vulnsla/pkg/shared/fingerprint"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

const assetColumns = `id, asset_key, host_name, ip, netbios_name, fqdn, os, mac,
	vulnerability_count, risk_score, highest_severity, first_seen, last_seen`

const vulnColumns = `id, asset_id, asset_key, plugin_id, name, port, protocol, service,
	severity, cvss, cves, synopsis, description, solution, see_also, plugin_output,
	exploit, first_detected, last_seen, sla_target_days, sla_target_fallback`

// VulnerabilityFilter narrows ListVulnerabilities.
type VulnerabilityFilter struct {
	AssetID  string
	Severity severity.Level

	// BreachedOnly keeps vulnerabilities past their SLA target.
	BreachedOnly bool

	// ActiveOnly drops vulnerabilities missing from their asset's latest import.
	ActiveOnly bool
}

// LockKeys returns the sorted identity keys the hosts of a batch can resolve
// to. They are the keys LoadSnapshot searches and the keys callers lock on.
func LockKeys(batch *finding.Batch) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, f := range batch.Findings {
		add(fingerprint.AssetKey(f.Host.Name, ""))
		add(fingerprint.IPKey(f.Host.IP))
	}
	sort.Strings(keys)
	return keys
}

// LoadSnapshot returns the assets matching any of keys (host name or IP
// identity keys) with all of their vulnerabilities.
func (s *Store) LoadSnapshot(ctx context.Context, keys []string) (*inventory.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &inventory.Snapshot{}
	seen := make(map[string]bool)
	for _, group := range chunks(keys) {
		in := placeholders(len(group))
		query := fmt.Sprintf(`SELECT %s FROM assets WHERE name_key IN (%s) OR ip_key IN (%s)`,
			assetColumns, in, in)
		qargs := append(args(group), args(group)...)
		assets, err := s.queryAssets(ctx, query, qargs...)
		if err != nil {
			return nil, storageError("store.LoadSnapshot", "query assets", err)
		}
		for _, a := range assets {
			if !seen[a.ID] {
				seen[a.ID] = true
				snap.Assets = append(snap.Assets, a)
			}
		}
	}

	ids := make([]string, 0, len(snap.Assets))
	for _, a := range snap.Assets {
		ids = append(ids, a.ID)
	}
	for _, group := range chunks(ids) {
		query := fmt.Sprintf(`SELECT %s FROM vulnerabilities WHERE asset_id IN (%s) ORDER BY id`,
			vulnColumns, placeholders(len(group)))
		vulns, err := s.queryVulnerabilities(ctx, query, args(group)...)
		if err != nil {
			return nil, storageError("store.LoadSnapshot", "query vulnerabilities", err)
		}
		snap.Vulnerabilities = append(snap.Vulnerabilities, vulns...)
	}
	return snap, nil
}

// SaveResult upserts the assets and vulnerabilities of a normalization pass
// in one transaction. A vulnerability whose stored last seen date is newer
// is left untouched and moved to the result's conflicts.
func (s *Store) SaveResult(ctx context.Context, res *normalize.Result) error {
	return s.withTx(ctx, "store.SaveResult", func(tx *sql.Tx) error {
		return saveResult(ctx, tx, res)
	})
}

func saveResult(ctx context.Context, tx *sql.Tx, res *normalize.Result) error {
	for i := range res.Assets {
		if err := upsertAsset(ctx, tx, &res.Assets[i]); err != nil {
			return err
		}
	}
	var stale []string
	for i := range res.Vulnerabilities {
		applied, err := upsertVulnerability(ctx, tx, &res.Vulnerabilities[i])
		if err != nil {
			return err
		}
		if !applied {
			stale = append(stale, res.Vulnerabilities[i].ID)
		}
	}
	for _, id := range stale {
		res.Reject(id, verrors.WrapWithMessage(verrors.ErrOutOfOrder,
			fmt.Sprintf("vulnerability %s: stored last seen date is newer", id)))
	}
	return nil
}

func upsertAsset(ctx context.Context, tx *sql.Tx, a *inventory.Asset) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO assets (
			id, asset_key, name_key, ip_key, host_name, ip, netbios_name, fqdn, os, mac,
			vulnerability_count, risk_score, highest_severity, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name_key = excluded.name_key,
			ip_key = excluded.ip_key,
			host_name = excluded.host_name,
			ip = excluded.ip,
			netbios_name = excluded.netbios_name,
			fqdn = excluded.fqdn,
			os = excluded.os,
			mac = excluded.mac,
			vulnerability_count = excluded.vulnerability_count,
			risk_score = excluded.risk_score,
			highest_severity = excluded.highest_severity,
			first_seen = MIN(assets.first_seen, excluded.first_seen),
			last_seen = MAX(assets.last_seen, excluded.last_seen)
	`,
		a.ID, a.Key, fingerprint.AssetKey(a.HostName, ""), fingerprint.IPKey(a.IP),
		a.HostName, a.IP, a.NetBIOSName, a.FQDN, a.OS, a.MAC,
		a.VulnerabilityCount, a.RiskScore, string(a.HighestSeverity),
		unixNano(a.FirstSeen), unixNano(a.LastSeen),
	)
	if err != nil {
		return storageError("store.SaveResult", "upsert asset "+a.Key, err)
	}
	return nil
}

// upsertVulnerability writes a vulnerability. It reports false when the
// stored last seen date is newer and the row was left as is.
func upsertVulnerability(ctx context.Context, tx *sql.Tx, v *inventory.Vulnerability) (bool, error) {
	cves, err := json.Marshal(v.CVEs)
	if err != nil {
		return false, verrors.E(verrors.KindInternal, "store.SaveResult", "encode cves", err)
	}
	exploit, err := json.Marshal(v.Exploit)
	if err != nil {
		return false, verrors.E(verrors.KindInternal, "store.SaveResult", "encode exploit flags", err)
	}
	var cvss sql.NullFloat64
	if score, ok := v.CVSS.Get(); ok {
		cvss = sql.NullFloat64{Float64: score, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO vulnerabilities (`+vulnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			service = excluded.service,
			severity = excluded.severity,
			cvss = excluded.cvss,
			cves = excluded.cves,
			synopsis = excluded.synopsis,
			description = excluded.description,
			solution = excluded.solution,
			see_also = excluded.see_also,
			plugin_output = excluded.plugin_output,
			exploit = excluded.exploit,
			last_seen = excluded.last_seen,
			sla_target_days = excluded.sla_target_days,
			sla_target_fallback = excluded.sla_target_fallback
		WHERE excluded.last_seen >= vulnerabilities.last_seen
	`,
		v.ID, v.AssetID, v.AssetKey, v.PluginID, v.Name, v.Port, v.Protocol, v.Service,
		string(v.Severity), cvss, string(cves), v.Synopsis, v.Description, v.Solution,
		v.SeeAlso, v.PluginOutput, string(exploit),
		unixNano(v.Aging.FirstDetected), unixNano(v.Aging.LastSeen),
		v.Aging.SLATargetDays, v.Aging.TargetFallback,
	)
	if err != nil {
		return false, storageError("store.SaveResult", "upsert vulnerability "+v.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError("store.SaveResult", "upsert vulnerability "+v.ID, err)
	}
	return n > 0, nil
}

// ListAssets returns every asset, highest risk first.
func (s *Store) ListAssets(ctx context.Context) ([]inventory.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets, err := s.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets`)
	if err != nil {
		return nil, storageError("store.ListAssets", "query assets", err)
	}
	inventory.SortAssets(assets)
	return assets, nil
}

// GetAsset returns one asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (*inventory.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets, err := s.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	if err != nil {
		return nil, storageError("store.GetAsset", "query asset", err)
	}
	if len(assets) == 0 {
		return nil, verrors.E(verrors.KindNotFound, "store.GetAsset", "asset "+id+" not found")
	}
	return &assets[0], nil
}

// ListVulnerabilities returns the vulnerabilities matching filter, worst
// severity first.
func (s *Store) ListVulnerabilities(ctx context.Context, filter VulnerabilityFilter) ([]inventory.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		qargs []interface{}
	)
	if filter.AssetID != "" {
		where = append(where, "v.asset_id = ?")
		qargs = append(qargs, filter.AssetID)
	}
	if filter.Severity != "" {
		where = append(where, "v.severity = ?")
		qargs = append(qargs, string(filter.Severity))
	}
	if filter.ActiveOnly {
		where = append(where, "v.last_seen >= a.last_seen")
	}

	query := `SELECT ` + prefixed("v.", vulnColumns) +
		` FROM vulnerabilities v JOIN assets a ON a.id = v.asset_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	vulns, err := s.queryVulnerabilities(ctx, query, qargs...)
	if err != nil {
		return nil, storageError("store.ListVulnerabilities", "query vulnerabilities", err)
	}

	if filter.BreachedOnly {
		kept := vulns[:0]
		for _, v := range vulns {
			if v.Aging.IsBreach() {
				kept = append(kept, v)
			}
		}
		vulns = kept
	}
	inventory.SortVulnerabilities(vulns)
	return vulns, nil
}

// GetVulnerability returns one vulnerability by id.
func (s *Store) GetVulnerability(ctx context.Context, id string) (*inventory.Vulnerability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vulns, err := s.queryVulnerabilities(ctx,
		`SELECT `+vulnColumns+` FROM vulnerabilities WHERE id = ?`, id)
	if err != nil {
		return nil, storageError("store.GetVulnerability", "query vulnerability", err)
	}
	if len(vulns) == 0 {
		return nil, verrors.E(verrors.KindNotFound, "store.GetVulnerability", "vulnerability "+id+" not found")
	}
	return &vulns[0], nil
}

// UpdateSeverity rewrites the severity and SLA target of one vulnerability.
// The aging dates are not touched.
func (s *Store) UpdateSeverity(ctx context.Context, v *inventory.Vulnerability) error {
	return s.withTx(ctx, "store.UpdateSeverity", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE vulnerabilities
			SET severity = ?, sla_target_days = ?, sla_target_fallback = ?
			WHERE id = ?
		`, string(v.Severity), v.Aging.SLATargetDays, v.Aging.TargetFallback, v.ID)
		if err != nil {
			return storageError("store.UpdateSeverity", "update vulnerability", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return verrors.E(verrors.KindNotFound, "store.UpdateSeverity", "vulnerability "+v.ID+" not found")
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) queryAssets(ctx context.Context, query string, qargs ...interface{}) ([]inventory.Asset, error) {
	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []inventory.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func scanAsset(row scanner) (inventory.Asset, error) {
	var (
		a                   inventory.Asset
		highest             string
		firstSeen, lastSeen int64
	)
	err := row.Scan(
		&a.ID, &a.Key, &a.HostName, &a.IP, &a.NetBIOSName, &a.FQDN, &a.OS, &a.MAC,
		&a.VulnerabilityCount, &a.RiskScore, &highest, &firstSeen, &lastSeen,
	)
	if err != nil {
		return a, err
	}
	a.HighestSeverity = severity.Level(highest)
	a.FirstSeen = fromUnixNano(firstSeen)
	a.LastSeen = fromUnixNano(lastSeen)
	return a, nil
}

func (s *Store) queryVulnerabilities(ctx context.Context, query string, qargs ...interface{}) ([]inventory.Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vulns []inventory.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, err
		}
		vulns = append(vulns, v)
	}
	return vulns, rows.Err()
}

func scanVulnerability(row scanner) (inventory.Vulnerability, error) {
	var (
		v                       inventory.Vulnerability
		sev, cves, exploit      string
		cvss                    sql.NullFloat64
		firstDetected, lastSeen int64
	)
	err := row.Scan(
		&v.ID, &v.AssetID, &v.AssetKey, &v.PluginID, &v.Name, &v.Port, &v.Protocol, &v.Service,
		&sev, &cvss, &cves, &v.Synopsis, &v.Description, &v.Solution, &v.SeeAlso, &v.PluginOutput,
		&exploit, &firstDetected, &lastSeen, &v.Aging.SLATargetDays, &v.Aging.TargetFallback,
	)
	if err != nil {
		return v, err
	}
	v.Severity = severity.Level(sev)
	if cvss.Valid {
		v.CVSS = finding.Some(cvss.Float64)
	}
	if err := json.Unmarshal([]byte(cves), &v.CVEs); err != nil {
		return v, fmt.Errorf("decode cves of %s: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(exploit), &v.Exploit); err != nil {
		return v, fmt.Errorf("decode exploit flags of %s: %w", v.ID, err)
	}
	v.Aging.FirstDetected = fromUnixNano(firstDetected)
	v.Aging.LastSeen = fromUnixNano(lastSeen)
	return v, nil
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(prefix, columns string) string {
	fields := strings.Split(columns, ",")
	for i, f := range fields {
		fields[i] = prefix + strings.TrimSpace(f)
	}
	return strings.Join(fields, ", ")
}
