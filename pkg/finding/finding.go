// Package finding defines the raw, not yet normalized finding records that
// the scan parsers emit for one import run.
package finding

import (
	"net/netip"
	"strings"
	"time"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// Source identifies the input format a batch was parsed from.
type Source string

const (
	SourceNessus  Source = "nessus"
	SourceTabular Source = "tabular"
)

// ExploitFlags records which public exploit frameworks cover a finding.
type ExploitFlags struct {
	Metasploit bool `json:"metasploit"`
	CoreImpact bool `json:"core_impact"`
	Canvas     bool `json:"canvas"`
}

// Any reports whether any exploit framework covers the finding.
func (e ExploitFlags) Any() bool {
	return e.Metasploit || e.CoreImpact || e.Canvas
}

// Host carries what the scanner reported about a host.
type Host struct {
	// DisplayName is the host label exactly as the scanner reported it.
	DisplayName string `json:"display_name"`

	// Name is the host name, empty when the scanner only knew an address.
	Name string `json:"name,omitempty"`

	IP          string              `json:"ip,omitempty"`
	NetBIOSName string              `json:"netbios_name,omitempty"`
	FQDN        string              `json:"fqdn,omitempty"`
	OS          string              `json:"os,omitempty"`
	MAC         string              `json:"mac,omitempty"`
	ScanStart   Optional[time.Time] `json:"scan_start"`
	ScanEnd     Optional[time.Time] `json:"scan_end"`
}

// NewHost splits a display label into host name or IP address.
func NewHost(display string) Host {
	display = strings.TrimSpace(display)
	h := Host{DisplayName: display}
	if addr, err := netip.ParseAddr(display); err == nil {
		h.IP = addr.Unmap().String()
	} else {
		h.Name = display
	}
	return h
}

// Finding is one raw vulnerability observation for one host.
type Finding struct {
	PluginID string `json:"plugin_id"`
	Name     string `json:"name"`

	// Severity is the mapped level; RawSeverity is the value as reported.
	Severity    severity.Level `json:"severity"`
	RawSeverity string         `json:"raw_severity"`

	Host     Host   `json:"host"`
	// Port 0 is a host-level finding. A missing port reads as 0, so it keys
	// the same vulnerability as an explicit 0.
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service,omitempty"`

	Synopsis     string `json:"synopsis,omitempty"`
	Description  string `json:"description,omitempty"`
	Solution     string `json:"solution,omitempty"`
	SeeAlso      string `json:"see_also,omitempty"`
	PluginOutput string `json:"plugin_output,omitempty"`

	// CVSS is the resolved score: v4, then v3, then v2.
	CVSS         Score `json:"cvss"`
	CVSSv2       Score `json:"cvss_v2"`
	CVSSv3       Score `json:"cvss_v3"`
	CVSSv4       Score `json:"cvss_v4"`
	CVSSv4Threat Score `json:"cvss_v4_threat"`

	CVEs    []string     `json:"cves,omitempty"`
	Exploit ExploitFlags `json:"exploit"`
}

// ResolveCVSS sets CVSS from the version-specific scores.
func (f *Finding) ResolveCVSS() {
	f.CVSS = FirstScore(f.CVSSv4, f.CVSSv3, f.CVSSv2)
}

// AddCVE appends a CVE identifier, skipping blanks and duplicates.
func (f *Finding) AddCVE(id string) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return
	}
	for _, existing := range f.CVEs {
		if existing == id {
			return
		}
	}
	f.CVEs = append(f.CVEs, id)
}

// Batch is the output of parsing one input file.
type Batch struct {
	Source   Source    `json:"source"`
	Findings []Finding `json:"findings"`

	// Errors lists hosts, findings or rows that were skipped.
	Errors verrors.Summary `json:"errors"`

	// SeverityFallbacks counts findings whose severity mapped to Unknown.
	SeverityFallbacks int `json:"severity_fallbacks"`
}

// NewBatch creates an empty batch for the given source.
func NewBatch(source Source) *Batch {
	return &Batch{Source: source, Findings: []Finding{}}
}

// Add appends a finding and counts a severity fallback when needed.
func (b *Batch) Add(f Finding) {
	if f.Severity == severity.Unknown {
		b.SeverityFallbacks++
	}
	b.Findings = append(b.Findings, f)
}

// Count returns the number of successfully parsed findings.
func (b *Batch) Count() int {
	return len(b.Findings)
}

// Hosts returns the distinct display names in document order.
func (b *Batch) Hosts() []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, f := range b.Findings {
		key := strings.ToLower(f.Host.DisplayName)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		hosts = append(hosts, f.Host.DisplayName)
	}
	return hosts
}
