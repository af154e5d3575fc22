// Package inventory defines the normalized asset and vulnerability records
// that the persistence layer stores and the read side pages through.
package inventory

import (
	"sort"
	"strings"
	"time"

	"github.com/exploopio/vulnsla/pkg/aging"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// Asset is a deduplicated host.
type Asset struct {
	ID string `json:"id"`

	// Key is the identity key the asset was created under
	// ("host:<name>" or "ip:<addr>"). It never changes.
	Key string `json:"key"`

	HostName    string `json:"host_name,omitempty"`
	IP          string `json:"ip,omitempty"`
	NetBIOSName string `json:"netbios_name,omitempty"`
	FQDN        string `json:"fqdn,omitempty"`
	OS          string `json:"os,omitempty"`
	MAC         string `json:"mac,omitempty"`

	VulnerabilityCount int            `json:"vulnerability_count"`
	RiskScore          float64        `json:"risk_score"`
	HighestSeverity    severity.Level `json:"highest_severity"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// DisplayName returns the best human label for the asset.
func (a Asset) DisplayName() string {
	switch {
	case a.HostName != "":
		return a.HostName
	case a.FQDN != "":
		return a.FQDN
	default:
		return a.IP
	}
}

// Vulnerability is one (asset, plugin, port, protocol) observation.
type Vulnerability struct {
	// ID is the fingerprint of the vulnerability key.
	ID       string `json:"id"`
	AssetID  string `json:"asset_id"`
	AssetKey string `json:"asset_key"`

	PluginID string `json:"plugin_id"`
	Name     string `json:"name"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service,omitempty"`

	Severity severity.Level `json:"severity"`
	CVSS     finding.Score  `json:"cvss"`
	CVEs     []string       `json:"cves,omitempty"`

	Synopsis     string               `json:"synopsis,omitempty"`
	Description  string               `json:"description,omitempty"`
	Solution     string               `json:"solution,omitempty"`
	SeeAlso      string               `json:"see_also,omitempty"`
	PluginOutput string               `json:"plugin_output,omitempty"`
	Exploit      finding.ExploitFlags `json:"exploit"`

	Aging aging.Record `json:"sla"`
}

// IsActive reports whether the vulnerability was seen in the most recent
// import that touched its asset.
func (v Vulnerability) IsActive(assetLastSeen time.Time) bool {
	return !v.Aging.LastSeen.Before(assetLastSeen)
}

// Snapshot is the known state a normalization pass starts from.
type Snapshot struct {
	Assets          []Asset         `json:"assets"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
}

// SortAssets orders assets by risk score (highest first), then display name.
func SortAssets(assets []Asset) {
	sort.SliceStable(assets, func(i, j int) bool {
		if assets[i].RiskScore != assets[j].RiskScore {
			return assets[i].RiskScore > assets[j].RiskScore
		}
		return strings.ToLower(assets[i].DisplayName()) < strings.ToLower(assets[j].DisplayName())
	})
}

// SortVulnerabilities orders vulnerabilities by severity (worst first), then
// age (oldest first), then plugin id.
func SortVulnerabilities(vulns []Vulnerability) {
	sort.SliceStable(vulns, func(i, j int) bool {
		a, b := vulns[i], vulns[j]
		if c := severity.Compare(a.Severity, b.Severity); c != 0 {
			return c > 0
		}
		if a.Aging.AgeDays() != b.Aging.AgeDays() {
			return a.Aging.AgeDays() > b.Aging.AgeDays()
		}
		return a.PluginID < b.PluginID
	})
}
