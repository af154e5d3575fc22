// Package normalize folds raw findings into deduplicated assets and
// vulnerabilities and maintains their aging records.
//
// A pass is a pure function of the known snapshot, the parsed batch and the
// import timestamp. Nothing is cached between passes.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/vulnsla/pkg/aging"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/inventory"
	"github.com/exploopio/vulnsla/pkg/logger"
	"github.com/exploopio/vulnsla/pkg/shared/fingerprint"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// Risk score weights. Changing these is a policy change.
const (
	riskWeightCritical = 2.0
	riskWeightHigh     = 1.5
	riskWeightTotal    = 0.1
	riskScoreCap       = 10.0
)

// RiskScore returns min(10, 2*critical + 1.5*high + 0.1*total) rounded to
// one decimal place.
func RiskScore(critical, high, total int) float64 {
	raw := float64(critical)*riskWeightCritical +
		float64(high)*riskWeightHigh +
		float64(total)*riskWeightTotal
	return math.Round(math.Min(riskScoreCap, raw)*10) / 10
}

// Conflict is a vulnerability update rejected during a pass. The rest of the
// batch is unaffected.
type Conflict struct {
	VulnerabilityID string `json:"vulnerability_id"`
	AssetKey        string `json:"asset_key"`
	PluginID        string `json:"plugin_id"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"`
	Err             error  `json:"-"`
	Reason          string `json:"reason"`
}

// Summary describes one normalization pass.
type Summary struct {
	Source     finding.Source `json:"source"`
	ImportedAt time.Time      `json:"imported_at"`

	Findings   int                      `json:"findings"`
	BySeverity severity.CountBySeverity `json:"by_severity"`

	New        int `json:"new"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`

	Hosts         int `json:"hosts"`
	AssetsCreated int `json:"assets_created"`
	AssetsUpdated int `json:"assets_updated"`

	RecordErrors      int `json:"record_errors"`
	SeverityFallbacks int `json:"severity_fallbacks"`
	SLAFallbacks      int `json:"sla_fallbacks"`
	SeverityChanges   int `json:"severity_changes"`
	Conflicts         int `json:"conflicts"`
}

// Result is the output of one pass: the touched assets and vulnerabilities
// with their new state.
type Result struct {
	Assets          []inventory.Asset         `json:"assets"`
	Vulnerabilities []inventory.Vulnerability `json:"vulnerabilities"`
	Summary         Summary                   `json:"summary"`
	Conflicts       []Conflict                `json:"conflicts,omitempty"`
}

// Evaluations returns the aging evaluation of every touched vulnerability.
func (r *Result) Evaluations(tracker *aging.Tracker) []aging.Evaluation {
	out := make([]aging.Evaluation, 0, len(r.Vulnerabilities))
	for _, v := range r.Vulnerabilities {
		out = append(out, tracker.Evaluate(v.Severity, v.Aging))
	}
	return out
}

// Reject drops a vulnerability whose write was refused after the pass and
// reports it as a conflict instead.
func (r *Result) Reject(id string, err error) {
	for i, v := range r.Vulnerabilities {
		if v.ID != id {
			continue
		}
		r.Vulnerabilities = append(r.Vulnerabilities[:i], r.Vulnerabilities[i+1:]...)
		if v.Aging.FirstDetected.Equal(v.Aging.LastSeen) && r.Summary.New > 0 {
			r.Summary.New--
		} else if r.Summary.Updated > 0 {
			r.Summary.Updated--
		}
		c := Conflict{
			VulnerabilityID: v.ID,
			AssetKey:        v.AssetKey,
			PluginID:        v.PluginID,
			Port:            v.Port,
			Protocol:        v.Protocol,
			Err:             err,
		}
		if err != nil {
			c.Reason = err.Error()
		}
		r.Conflicts = append(r.Conflicts, c)
		r.Summary.Conflicts++
		return
	}
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithIDGenerator overrides asset id generation.
func WithIDGenerator(fn func() string) Option {
	return func(n *Normalizer) {
		n.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(n *Normalizer) {
		n.logger = logger.OrNop(l)
	}
}

// Normalizer folds findings into inventory records.
type Normalizer struct {
	tracker *aging.Tracker
	newID   func() string
	logger  logger.Logger
}

// New creates a normalizer that opens and advances aging records with tracker.
func New(tracker *aging.Tracker, opts ...Option) *Normalizer {
	n := &Normalizer{
		tracker: tracker,
		newID:   func() string { return uuid.NewString() },
		logger:  &logger.NopLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Tracker returns the aging tracker.
func (n *Normalizer) Tracker() *aging.Tracker {
	return n.tracker
}

// pass holds the working state of one Normalize call.
type pass struct {
	n  *Normalizer
	at time.Time

	// assets by ID, and indexed by name and IP identity keys
	assets map[string]*inventory.Asset
	byName map[string]*inventory.Asset
	byIP   map[string]*inventory.Asset

	// snapshot vulnerabilities by ID, and their IDs by asset ID
	existing map[string]inventory.Vulnerability
	byAsset  map[string][]string

	touchedAssets map[string]bool
	createdAssets map[string]bool
	touched       map[string]*inventory.Vulnerability
	order         []string

	summary   Summary
	conflicts []Conflict
}

// Normalize folds batch into snapshot at the given import time. The snapshot
// is not modified; the result carries the new state of every touched record.
func (n *Normalizer) Normalize(snapshot *inventory.Snapshot, batch *finding.Batch, at time.Time) (*Result, error) {
	if batch == nil {
		return nil, verrors.E(verrors.KindInvalidInput, "normalize.Normalize", "nil batch")
	}
	if at.IsZero() {
		return nil, verrors.E(verrors.KindInvalidInput, "normalize.Normalize", "zero import timestamp")
	}
	if snapshot == nil {
		snapshot = &inventory.Snapshot{}
	}

	p := newPass(n, snapshot, at.UTC())
	p.summary.Source = batch.Source
	p.summary.ImportedAt = p.at
	p.summary.RecordErrors = batch.Errors.Count()
	p.summary.SeverityFallbacks = batch.SeverityFallbacks

	for i := range batch.Findings {
		p.apply(&batch.Findings[i])
	}

	result := p.result()
	n.logger.Debug("normalized %d findings from %s: %d new, %d updated, %d assets, %d conflicts",
		result.Summary.Findings, batch.Source, result.Summary.New, result.Summary.Updated,
		result.Summary.Hosts, result.Summary.Conflicts)
	return result, nil
}

func newPass(n *Normalizer, snapshot *inventory.Snapshot, at time.Time) *pass {
	p := &pass{
		n:             n,
		at:            at,
		assets:        make(map[string]*inventory.Asset, len(snapshot.Assets)),
		byName:        make(map[string]*inventory.Asset),
		byIP:          make(map[string]*inventory.Asset),
		existing:      make(map[string]inventory.Vulnerability, len(snapshot.Vulnerabilities)),
		byAsset:       make(map[string][]string),
		touchedAssets: make(map[string]bool),
		createdAssets: make(map[string]bool),
		touched:       make(map[string]*inventory.Vulnerability),
	}
	for i := range snapshot.Assets {
		a := snapshot.Assets[i]
		p.assets[a.ID] = &a
		p.index(&a)
	}
	for _, v := range snapshot.Vulnerabilities {
		p.existing[v.ID] = v
		p.byAsset[v.AssetID] = append(p.byAsset[v.AssetID], v.ID)
	}
	return p
}

func (p *pass) index(a *inventory.Asset) {
	if key := fingerprint.AssetKey(a.HostName, ""); key != "" {
		p.byName[key] = a
	}
	if key := fingerprint.IPKey(a.IP); key != "" {
		if _, taken := p.byIP[key]; !taken {
			p.byIP[key] = a
		}
	}
}

// resolve finds or creates the asset owning a finding's host: host name
// first (case-insensitive), then IP address.
func (p *pass) resolve(h finding.Host) (*inventory.Asset, bool) {
	nameKey := fingerprint.AssetKey(h.Name, "")
	ipKey := fingerprint.IPKey(h.IP)

	if nameKey != "" {
		if a, ok := p.byName[nameKey]; ok {
			return a, false
		}
	}
	if ipKey != "" {
		if a, ok := p.byIP[ipKey]; ok {
			return a, false
		}
	}

	key := fingerprint.AssetKey(h.Name, h.IP)
	if key == "" {
		return nil, false
	}
	a := &inventory.Asset{
		ID:        p.n.newID(),
		Key:       key,
		FirstSeen: p.at,
		LastSeen:  p.at,
	}
	p.assets[a.ID] = a
	return a, true
}

func (p *pass) apply(f *finding.Finding) {
	p.summary.Findings++

	asset, created := p.resolve(f.Host)
	if asset == nil {
		p.conflict(Conflict{
			PluginID: f.PluginID,
			Port:     f.Port,
			Protocol: f.Protocol,
			Err:      verrors.E(verrors.KindRecord, "normalize", "finding has no host name or address"),
		})
		return
	}
	if created {
		p.createdAssets[asset.ID] = true
	}
	p.touchedAssets[asset.ID] = true
	mergeHost(asset, f.Host)
	if p.at.After(asset.LastSeen) {
		asset.LastSeen = p.at
	}
	if p.at.Before(asset.FirstSeen) {
		asset.FirstSeen = p.at
	}
	p.index(asset)

	id := fingerprint.GenerateVulnerability(asset.ID, f.PluginID, f.Port, f.Protocol)

	if v, ok := p.touched[id]; ok {
		// Same tuple twice in one batch: one row, latest details win.
		p.summary.Duplicates++
		fill(v, f)
		return
	}

	if prev, ok := p.existing[id]; ok {
		v := prev
		v.CVEs = append([]string(nil), prev.CVEs...)
		if err := p.n.tracker.Observe(&v.Aging, p.at); err != nil {
			p.conflict(Conflict{
				VulnerabilityID: id,
				AssetKey:        asset.Key,
				PluginID:        f.PluginID,
				Port:            f.Port,
				Protocol:        f.Protocol,
				Err:             err,
			})
			return
		}
		if v.Severity != f.Severity {
			p.summary.SeverityChanges++
		}
		fill(&v, f)
		p.touch(&v)
		p.summary.Updated++
		return
	}

	v := inventory.Vulnerability{
		ID:       id,
		AssetID:  asset.ID,
		AssetKey: asset.Key,
		PluginID: f.PluginID,
		Port:     f.Port,
		Protocol: f.Protocol,
		Aging:    p.n.tracker.Open(f.Severity, p.at),
	}
	if v.Aging.TargetFallback {
		p.summary.SLAFallbacks++
	}
	fill(&v, f)
	p.touch(&v)
	p.summary.New++
}

func (p *pass) touch(v *inventory.Vulnerability) {
	p.touched[v.ID] = v
	p.order = append(p.order, v.ID)
}

func (p *pass) conflict(c Conflict) {
	if c.Err != nil {
		c.Reason = c.Err.Error()
	}
	p.conflicts = append(p.conflicts, c)
	p.summary.Conflicts++
	p.n.logger.Warn("vulnerability update rejected: plugin=%s port=%d/%s asset=%s: %s",
		c.PluginID, c.Port, c.Protocol, c.AssetKey, c.Reason)
}

// fill copies scanner-reported details onto a vulnerability. The aging
// record is left alone.
func fill(v *inventory.Vulnerability, f *finding.Finding) {
	v.Name = f.Name
	v.Severity = f.Severity
	v.Service = f.Service
	v.CVSS = f.CVSS
	v.Synopsis = f.Synopsis
	v.Description = f.Description
	v.Solution = f.Solution
	v.SeeAlso = f.SeeAlso
	v.PluginOutput = f.PluginOutput
	v.Exploit = f.Exploit
	for _, cve := range f.CVEs {
		if !contains(v.CVEs, cve) {
			v.CVEs = append(v.CVEs, cve)
		}
	}
}

// mergeHost copies host attributes reported by the scanner onto the asset.
// Non-empty values from the latest import win.
func mergeHost(a *inventory.Asset, h finding.Host) {
	if a.HostName == "" && h.Name != "" {
		a.HostName = h.Name
	}
	if a.IP == "" && h.IP != "" {
		a.IP = h.IP
	}
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&a.NetBIOSName, h.NetBIOSName)
	set(&a.FQDN, h.FQDN)
	set(&a.OS, h.OS)
	set(&a.MAC, h.MAC)
}

func (p *pass) result() *Result {
	r := &Result{Conflicts: p.conflicts}

	for _, id := range p.order {
		v := p.touched[id]
		r.Vulnerabilities = append(r.Vulnerabilities, *v)
		p.summary.BySeverity.Increment(v.Severity)
	}

	ids := make([]string, 0, len(p.touchedAssets))
	for id := range p.touchedAssets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return p.assets[ids[i]].Key < p.assets[ids[j]].Key
	})

	for _, id := range ids {
		a := p.assets[id]
		p.recount(a)
		r.Assets = append(r.Assets, *a)
		if p.createdAssets[id] {
			p.summary.AssetsCreated++
		} else {
			p.summary.AssetsUpdated++
		}
	}
	p.summary.Hosts = len(ids)
	r.Summary = p.summary
	return r
}

// recount recomputes the vulnerability count, risk score and worst severity
// of an asset from its active vulnerabilities.
func (p *pass) recount(a *inventory.Asset) {
	var counts severity.CountBySeverity
	seen := make(map[string]bool)

	consider := func(v inventory.Vulnerability) {
		if seen[v.ID] {
			return
		}
		seen[v.ID] = true
		if v.IsActive(a.LastSeen) {
			counts.Increment(v.Severity)
		}
	}
	for _, id := range p.order {
		if v := p.touched[id]; v.AssetID == a.ID {
			consider(*v)
		}
	}
	for _, id := range p.byAsset[a.ID] {
		if _, ok := p.touched[id]; ok {
			continue
		}
		consider(p.existing[id])
	}

	a.VulnerabilityCount = counts.Total
	a.RiskScore = RiskScore(counts.Critical, counts.High, counts.Total)
	a.HighestSeverity = counts.HighestSeverity()
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// String renders a one-line summary.
func (s Summary) String() string {
	return fmt.Sprintf("%s: %d findings, %d new, %d updated, %d hosts, %d record errors, %d conflicts",
		s.Source, s.Findings, s.New, s.Updated, s.Hosts, s.RecordErrors, s.Conflicts)
}
