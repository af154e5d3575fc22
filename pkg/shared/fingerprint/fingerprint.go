// Package fingerprint provides the deduplication keys for assets and
// host vulnerabilities.
//
// A vulnerability is identified by the tuple (asset, plugin id, port,
// protocol). The tuple is hashed so storage and in-memory maps share one
// stable key regardless of input casing or whitespace.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Input contains the data needed to generate a vulnerability fingerprint.
type Input struct {
	// AssetKey is the asset identity key (see AssetKey).
	AssetKey string

	// PluginID is the scanner check identifier.
	PluginID string

	// Port is the affected port, 0 for host-level findings.
	Port int

	// Protocol is the transport protocol (tcp, udp, icmp).
	Protocol string
}

// Generate creates a fingerprint for the given input.
// The fingerprint is a SHA256 hash (64 hex characters).
func Generate(input Input) string {
	data := fmt.Sprintf("hostvuln:%s:%s:%d:%s",
		normalize(input.AssetKey),
		normalize(input.PluginID),
		input.Port,
		normalize(input.Protocol),
	)
	return Hash(data)
}

// GenerateVulnerability is a convenience wrapper around Generate.
func GenerateVulnerability(assetKey, pluginID string, port int, protocol string) string {
	return Generate(Input{
		AssetKey: assetKey,
		PluginID: pluginID,
		Port:     port,
		Protocol: protocol,
	})
}

// AssetKey returns the identity key of a host: the lower-cased host name,
// or the canonical IP address when no host name is known. It returns ""
// when neither is usable.
func AssetKey(hostName, ip string) string {
	if name := normalizeHost(hostName); name != "" {
		return "host:" + name
	}
	if addr := normalizeIP(ip); addr != "" {
		return "ip:" + addr
	}
	return ""
}

// IPKey returns the IP identity key used for fallback matching.
func IPKey(ip string) string {
	if addr := normalizeIP(ip); addr != "" {
		return "ip:" + addr
	}
	return ""
}

// Hash computes SHA256 hash of the input string.
// Returns 64 hex characters.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// normalize cleans up a string for consistent fingerprinting.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeHost lower-cases a host name and strips a trailing root dot.
func normalizeHost(host string) string {
	host = normalize(host)
	return strings.TrimSuffix(host, ".")
}

// normalizeIP returns the canonical text form of an IP address, or "" when
// the input is not an address.
func normalizeIP(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
