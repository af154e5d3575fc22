// Package engine runs scan imports end to end: decode, parse, normalize
// against the stored inventory, persist, and roll the trend history forward.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/vulnsla/pkg/aging"
	"github.com/exploopio/vulnsla/pkg/audit"
	"github.com/exploopio/vulnsla/pkg/compress"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/inventory"
	"github.com/exploopio/vulnsla/pkg/logger"
	"github.com/exploopio/vulnsla/pkg/metrics"
	"github.com/exploopio/vulnsla/pkg/normalize"
	"github.com/exploopio/vulnsla/pkg/parsers"
	"github.com/exploopio/vulnsla/pkg/parsers/nessus"
	"github.com/exploopio/vulnsla/pkg/parsers/tabular"
	"github.com/exploopio/vulnsla/pkg/shared/fingerprint"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
	"github.com/exploopio/vulnsla/pkg/sla"
	"github.com/exploopio/vulnsla/pkg/store"
	"github.com/exploopio/vulnsla/pkg/trend"
)

// Store is the persistence the engine needs.
type Store interface {
	LoadSnapshot(ctx context.Context, keys []string) (*inventory.Snapshot, error)
	SaveImport(ctx context.Context, rec *store.ImportRecord, res *normalize.Result, point *trend.Point) error
	RecordImport(ctx context.Context, rec *store.ImportRecord) error
	GetAsset(ctx context.Context, id string) (*inventory.Asset, error)
	GetVulnerability(ctx context.Context, id string) (*inventory.Vulnerability, error)
	UpdateSeverity(ctx context.Context, v *inventory.Vulnerability) error
	ListVulnerabilities(ctx context.Context, filter store.VulnerabilityFilter) ([]inventory.Vulnerability, error)
}

// Config configures an Engine.
type Config struct {
	Policy sla.Policy
	Parse  *parsers.ParseOptions

	// ArchivePayloads stores the raw scan file with each import.
	ArchivePayloads bool
	Compression     compress.Algorithm

	// Timeout bounds one import. Zero means no limit.
	Timeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Policy:          sla.DefaultPolicy(),
		Parse:           parsers.DefaultParseOptions(),
		ArchivePayloads: true,
		Compression:     compress.AlgorithmZSTD,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = logger.OrNop(l) }
}

// WithAudit sets the audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(e *Engine) { e.audit = a }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(e *Engine) { e.metrics = metrics.NewRecorder(c) }
}

// WithRegistry replaces the default parser registry.
func WithRegistry(r *parsers.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithClock overrides the import timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides import id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// WithNormalizerOptions passes options to the normalizer.
func WithNormalizerOptions(opts ...normalize.Option) Option {
	return func(e *Engine) { e.normalizeOpts = append(e.normalizeOpts, opts...) }
}

// Engine imports scan files into a Store.
type Engine struct {
	cfg        *Config
	store      Store
	registry   *parsers.Registry
	tracker    *aging.Tracker
	normalizer *normalize.Normalizer
	codec      *compress.Compressor

	audit   *audit.Logger
	metrics *metrics.Recorder
	logger  logger.Logger

	now           func() time.Time
	newID         func() string
	normalizeOpts []normalize.Option

	locks *keyLocks
}

// New creates an engine.
func New(cfg *Config, st Store, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, verrors.E(verrors.KindInvalidInput, "engine.New", "store is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, verrors.Wrap(err, "engine.New")
	}
	algo := cfg.Compression
	if algo == "" {
		algo = compress.AlgorithmZSTD
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		registry: parsers.NewRegistry(nessus.NewParser(), tabular.NewParser()),
		tracker:  aging.NewTracker(cfg.Policy),
		codec:    compress.NewCompressor(algo, compress.LevelDefault),
		metrics:  metrics.NewRecorder(nil),
		logger:   &logger.NopLogger{},
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    newKeyLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.normalizer = normalize.New(e.tracker, append([]normalize.Option{normalize.WithLogger(e.logger)}, e.normalizeOpts...)...)
	return e, nil
}

// Tracker returns the aging tracker.
func (e *Engine) Tracker() *aging.Tracker {
	return e.tracker
}

// Request is one scan file to import.
type Request struct {
	Payload []byte

	// Format names the parser ("nessus", "tabular", "csv", ...). Empty
	// means detect from the payload.
	Format string

	// Name labels the import in logs, usually the file name.
	Name string

	// ImportedAt is the import timestamp. Zero means now.
	ImportedAt time.Time
}

// Result describes a completed import.
type Result struct {
	ImportID     string                 `json:"import_id"`
	Source       finding.Source         `json:"source"`
	ImportedAt   time.Time              `json:"imported_at"`
	Compression  compress.Algorithm     `json:"payload_compression"`
	Summary      normalize.Summary      `json:"summary"`
	RecordErrors []*verrors.RecordError `json:"record_errors,omitempty"`
	Conflicts    []normalize.Conflict   `json:"conflicts,omitempty"`
	Trend        trend.Point            `json:"trend"`
	Archive      *compress.Stats        `json:"archive,omitempty"`
	Duration     time.Duration          `json:"duration"`
}

// Import runs one import. Record-level problems are reported in the result;
// structural problems fail the import and leave the inventory untouched.
func (e *Engine) Import(ctx context.Context, req Request) (*Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	timer := metrics.NewTimer(e.now)
	id := e.newID()
	at := req.ImportedAt
	if at.IsZero() {
		at = e.now()
	}
	at = at.UTC()

	format := req.Format
	auditLog := e.audit.ForImport(id, format)
	auditLog.Started(len(req.Payload))
	e.logger.Info("import %s started: %s (%d bytes)", id, label(req), len(req.Payload))

	res, err := e.run(ctx, id, at, req, auditLog)
	if err != nil {
		if ctx.Err() != nil && verrors.GetKind(err) != verrors.KindTimeout {
			err = verrors.E(verrors.KindTimeout, "engine.Import", err)
		}
		e.fail(id, at, format, req, err, timer.Elapsed(), auditLog)
		return nil, err
	}

	res.Duration = timer.Elapsed()
	e.metrics.Import(metrics.ImportStats{
		Format:            string(res.Source),
		Status:            "success",
		Duration:          res.Duration,
		BySeverity:        res.Summary.BySeverity,
		RecordErrors:      res.Summary.RecordErrors,
		SeverityFallbacks: res.Summary.SeverityFallbacks,
		SLAFallbacks:      res.Summary.SLAFallbacks,
		Conflicts:         res.Summary.Conflicts,
	})
	e.refreshBreaches(ctx)

	auditLog.Completed(res.Duration, map[string]interface{}{
		"findings":      res.Summary.Findings,
		"new":           res.Summary.New,
		"updated":       res.Summary.Updated,
		"hosts":         res.Summary.Hosts,
		"record_errors": res.Summary.RecordErrors,
		"conflicts":     res.Summary.Conflicts,
	})
	e.logger.Info("import %s completed in %s: %s", id, res.Duration, res.Summary)
	return res, nil
}

func (e *Engine) run(ctx context.Context, id string, at time.Time, req Request, auditLog *audit.ImportLogger) (*Result, error) {
	if len(req.Payload) == 0 {
		return nil, verrors.E(verrors.KindInvalidInput, "engine.Import", "empty payload")
	}

	data, algo, err := e.codec.Decode(req.Payload)
	if err != nil {
		return nil, verrors.E(verrors.KindParse, "engine.Import", "decode payload", err)
	}

	parser, err := e.registry.Resolve(req.Format, data)
	if err != nil {
		return nil, verrors.Wrap(err, "engine.Import")
	}
	batch, err := parser.Parse(ctx, data, e.cfg.Parse)
	if err != nil {
		return nil, verrors.Wrap(err, "engine.Import")
	}
	auditLog = e.audit.ForImport(id, string(batch.Source))
	for _, re := range batch.Errors.Errors {
		auditLog.RecordRejected(re.Index, re.Host, re.Reason)
	}
	if n := batch.Errors.Count(); n > 0 {
		e.logger.Warn("import %s: %d records rejected", id, n)
	}

	unlock, snapshot, err := e.lockAndLoad(ctx, store.LockKeys(batch))
	if err != nil {
		return nil, err
	}
	defer unlock()
	if req.ImportedAt.IsZero() {
		// Stamp under the lock so concurrent imports of one host stay ordered.
		at = e.now().UTC()
	}

	normalized, err := e.normalizer.Normalize(snapshot, batch, at)
	if err != nil {
		return nil, verrors.Wrap(err, "engine.Import")
	}
	auditLog.Fallback(audit.EventSeverityFallback, normalized.Summary.SeverityFallbacks)
	auditLog.Fallback(audit.EventSLAFallback, normalized.Summary.SLAFallbacks)

	point := trend.Aggregate(normalized.Summary, normalized.Evaluations(e.tracker), at)
	point.ImportID = id

	rec := &store.ImportRecord{
		ID:          id,
		Source:      batch.Source,
		Status:      store.ImportCompleted,
		ImportedAt:  at,
		PayloadSize: len(data),
		Summary:     &normalized.Summary,
	}
	var archive *compress.Stats
	if e.cfg.ArchivePayloads {
		archived, stats, err := e.codec.CompressWithStats(data)
		if err != nil {
			return nil, verrors.E(verrors.KindInternal, "engine.Import", "compress payload", err)
		}
		rec.Payload = archived
		rec.Compression = e.codec.Algorithm()
		archive = stats
		e.logger.Debug("import %s: archived %d bytes as %d (%s, %.1f%% saved)",
			id, stats.OriginalSize, stats.CompressedSize, stats.Algorithm, stats.Savings)
	}

	if err := e.store.SaveImport(ctx, rec, normalized, &point); err != nil {
		return nil, verrors.Wrap(err, "engine.Import")
	}
	for _, c := range normalized.Conflicts {
		auditLog.Conflict(c.AssetKey, c.VulnerabilityID, c.Reason)
	}
	auditLog.TrendRecorded(map[string]interface{}{
		"scan_date":       point.ScanDate.Format("2006-01-02"),
		"critical_breach": point.Breaches.Critical,
		"high_breach":     point.Breaches.High,
		"medium_breach":   point.Breaches.Medium,
		"low_breach":      point.Breaches.Low,
		"total_breach":    point.Breaches.Total,
	})

	return &Result{
		ImportID:     id,
		Source:       batch.Source,
		ImportedAt:   at,
		Compression:  algo,
		Summary:      normalized.Summary,
		RecordErrors: batch.Errors.Errors,
		Conflicts:    normalized.Conflicts,
		Trend:        point,
		Archive:      archive,
	}, nil
}

// lockAndLoad locks the identity keys of a batch and loads their snapshot.
// Assets found through one key may carry other keys (a named host with an
// address); those are locked as well before the snapshot is used.
func (e *Engine) lockAndLoad(ctx context.Context, keys []string) (func(), *inventory.Snapshot, error) {
	for {
		unlock := e.locks.Lock(keys)
		snapshot, err := e.store.LoadSnapshot(ctx, keys)
		if err != nil {
			unlock()
			return nil, nil, verrors.Wrap(err, "engine.Import")
		}

		extra := missingKeys(keys, snapshot.Assets)
		if len(extra) == 0 {
			return unlock, snapshot, nil
		}
		unlock()
		keys = dedupe(append(keys, extra...))
	}
}

func missingKeys(keys []string, assets []inventory.Asset) []string {
	have := make(map[string]bool, len(keys))
	for _, k := range keys {
		have[k] = true
	}
	var extra []string
	for _, a := range assets {
		for _, k := range assetKeys(a) {
			if !have[k] {
				have[k] = true
				extra = append(extra, k)
			}
		}
	}
	return extra
}

func assetKeys(a inventory.Asset) []string {
	var keys []string
	if k := fingerprint.AssetKey(a.HostName, ""); k != "" {
		keys = append(keys, k)
	}
	if k := fingerprint.IPKey(a.IP); k != "" {
		keys = append(keys, k)
	}
	return keys
}

func (e *Engine) fail(id string, at time.Time, format string, req Request, err error, elapsed time.Duration, auditLog *audit.ImportLogger) {
	auditLog.Failed(err, elapsed)
	e.metrics.Import(metrics.ImportStats{
		Format:   formatLabel(format),
		Status:   "failure",
		Duration: elapsed,
	})
	e.logger.Error("import %s failed: %s: %v", id, label(req), err)

	// The failure is recorded even when the caller's context is gone.
	rec := &store.ImportRecord{
		ID:          id,
		Source:      finding.Source(format),
		Status:      store.ImportFailed,
		ImportedAt:  at,
		PayloadSize: len(req.Payload),
		Error:       err.Error(),
	}
	if rerr := e.store.RecordImport(context.Background(), rec); rerr != nil {
		e.logger.Warn("import %s: record failure: %v", id, rerr)
	}
}

// refreshBreaches publishes current breach counts over active vulnerabilities.
func (e *Engine) refreshBreaches(ctx context.Context) {
	vulns, err := e.store.ListVulnerabilities(ctx, store.VulnerabilityFilter{BreachedOnly: true, ActiveOnly: true})
	if err != nil {
		e.logger.Warn("refresh breach gauge: %v", err)
		return
	}
	counts := make(map[severity.Level]int)
	for _, v := range vulns {
		counts[v.Severity]++
	}
	e.metrics.Breaches(counts)
}

// ReviseSeverity changes the severity of one vulnerability and re-derives its
// SLA target. Aging dates are kept.
func (e *Engine) ReviseSeverity(ctx context.Context, vulnerabilityID string, level severity.Level) (*inventory.Vulnerability, error) {
	if !level.IsKnown() {
		return nil, verrors.E(verrors.KindInvalidInput, "engine.ReviseSeverity",
			fmt.Sprintf("unknown severity %q", level))
	}

	v, err := e.store.GetVulnerability(ctx, vulnerabilityID)
	if err != nil {
		return nil, verrors.Wrap(err, "engine.ReviseSeverity")
	}
	asset, err := e.store.GetAsset(ctx, v.AssetID)
	if err != nil {
		return nil, verrors.Wrap(err, "engine.ReviseSeverity")
	}
	unlock := e.locks.Lock(append(assetKeys(*asset), asset.Key))
	defer unlock()

	// Reload under the lock so a concurrent import is not overwritten.
	v, err = e.store.GetVulnerability(ctx, vulnerabilityID)
	if err != nil {
		return nil, verrors.Wrap(err, "engine.ReviseSeverity")
	}
	from := v.Severity
	v.Severity = level
	e.tracker.Revise(&v.Aging, level)
	if err := e.store.UpdateSeverity(ctx, v); err != nil {
		return nil, verrors.Wrap(err, "engine.ReviseSeverity")
	}

	e.audit.SeverityRevised(v.ID, string(from), string(level), v.Aging.SLATargetDays)
	e.logger.Info("vulnerability %s revised from %s to %s (sla %d days)", v.ID, from, level, v.Aging.SLATargetDays)
	e.refreshBreaches(ctx)
	return v, nil
}

func label(req Request) string {
	if req.Name != "" {
		return req.Name
	}
	return "payload"
}

func formatLabel(format string) string {
	if format == "" {
		return "unknown"
	}
	return format
}
