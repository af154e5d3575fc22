// Package parsers defines the scan parser contract and a registry that picks
// a parser by name or by sniffing the payload.
package parsers

import (
	"context"
	"sort"
	"sync"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
)

// Parser converts one raw scan payload into a batch of findings.
type Parser interface {
	// Name returns the parser name (e.g., "nessus", "tabular")
	Name() string

	// SupportedFormats returns the format names this parser accepts
	SupportedFormats() []string

	// Parse converts raw scanner output to a finding batch.
	// Structural failures return an error and no batch. Record-level
	// failures are collected in the batch.
	Parse(ctx context.Context, data []byte, opts *ParseOptions) (*finding.Batch, error)

	// CanParse checks if the parser can handle the given data
	CanParse(data []byte) bool
}

// ParseOptions configures parsing.
type ParseOptions struct {
	// Delimiter is the tabular field separator. Zero means detect it from
	// the header row.
	Delimiter rune `json:"delimiter" yaml:"delimiter"`

	// MaxRecordErrors aborts the parse once exceeded. Zero means unlimited.
	MaxRecordErrors int `json:"max_record_errors" yaml:"max_record_errors"`
}

// DefaultParseOptions returns delimiter detection with no error limit.
func DefaultParseOptions() *ParseOptions {
	return &ParseOptions{}
}

// TooManyErrors reports whether the batch has passed the configured limit.
func (o *ParseOptions) TooManyErrors(b *finding.Batch) bool {
	return o != nil && o.MaxRecordErrors > 0 && b.Errors.Count() > o.MaxRecordErrors
}

// =============================================================================
// Registry
// =============================================================================

// Registry manages registered parsers.
type Registry struct {
	parsers map[string]Parser
	formats map[string]string
	mu      sync.RWMutex
}

// NewRegistry creates a registry holding the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{
		parsers: make(map[string]Parser),
		formats: make(map[string]string),
	}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// Register adds a parser to the registry.
func (r *Registry) Register(parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[parser.Name()] = parser
	for _, f := range parser.SupportedFormats() {
		r.formats[f] = parser.Name()
	}
}

// Get returns a parser by name or supported format, or nil.
func (r *Registry) Get(name string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.parsers[name]; ok {
		return p
	}
	return r.parsers[r.formats[name]]
}

// FindParser finds a parser that can handle the given data. Parsers are
// tried in name order so detection is deterministic.
func (r *Registry) FindParser(data []byte) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.names() {
		if p := r.parsers[name]; p.CanParse(data) {
			return p
		}
	}
	return nil
}

// Resolve returns the parser for format, or sniffs data when format is empty.
func (r *Registry) Resolve(format string, data []byte) (Parser, error) {
	var p Parser
	if format != "" {
		p = r.Get(format)
	} else {
		p = r.FindParser(data)
	}
	if p == nil {
		if format == "" {
			format = "auto"
		}
		return nil, verrors.WrapWithMessage(verrors.ErrUnknownFormat, "format "+format)
	}
	return p, nil
}

// List returns all registered parser names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
