package fingerprint

import (
	"testing"
)

func TestGenerate_Stable(t *testing.T) {
	a := GenerateVulnerability("host:web01", "19506", 443, "tcp")
	b := GenerateVulnerability("host:web01", "19506", 443, "tcp")
	if a != b {
		t.Error("same input should produce same fingerprint")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
}

func TestGenerate_Normalization(t *testing.T) {
	base := GenerateVulnerability("host:web01", "19506", 443, "tcp")

	tests := []struct {
		name  string
		input Input
		same  bool
	}{
		{"case insensitive host", Input{AssetKey: "HOST:WEB01", PluginID: "19506", Port: 443, Protocol: "tcp"}, true},
		{"whitespace", Input{AssetKey: " host:web01 ", PluginID: " 19506", Port: 443, Protocol: "TCP "}, true},
		{"different port", Input{AssetKey: "host:web01", PluginID: "19506", Port: 80, Protocol: "tcp"}, false},
		{"different protocol", Input{AssetKey: "host:web01", PluginID: "19506", Port: 443, Protocol: "udp"}, false},
		{"different plugin", Input{AssetKey: "host:web01", PluginID: "10287", Port: 443, Protocol: "tcp"}, false},
		{"different host", Input{AssetKey: "host:web02", PluginID: "19506", Port: 443, Protocol: "tcp"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Generate(tt.input) == base
			if got != tt.same {
				t.Errorf("Generate() equal to base = %v, want %v", got, tt.same)
			}
		})
	}
}

func TestAssetKey(t *testing.T) {
	tests := []struct {
		name     string
		host, ip string
		expected string
	}{
		{"host name wins", "Web01.Corp.Local", "10.0.0.5", "host:web01.corp.local"},
		{"trailing dot", "web01.corp.local.", "", "host:web01.corp.local"},
		{"ip fallback", "", "10.0.0.5", "ip:10.0.0.5"},
		{"ipv4 mapped ipv6", "", "::ffff:10.0.0.5", "ip:10.0.0.5"},
		{"ipv6", "", "2001:DB8::1", "ip:2001:db8::1"},
		{"invalid ip", "", "not-an-ip", ""},
		{"nothing", "  ", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssetKey(tt.host, tt.ip); got != tt.expected {
				t.Errorf("AssetKey(%q, %q) = %q, want %q", tt.host, tt.ip, got, tt.expected)
			}
		})
	}
}

func TestIPKey(t *testing.T) {
	if got := IPKey("192.168.1.10"); got != "ip:192.168.1.10" {
		t.Errorf("IPKey() = %q", got)
	}
	if got := IPKey("web01"); got != "" {
		t.Errorf("IPKey(web01) = %q, want empty", got)
	}
}

func TestHash(t *testing.T) {
	// sha256("") well-known value
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Hash(""); got != want {
		t.Errorf("Hash(\"\") = %s, want %s", got, want)
	}
}
