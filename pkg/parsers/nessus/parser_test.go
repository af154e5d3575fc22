package nessus

import (
	"context"
	"strings"
	"testing"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/parsers"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

const twoHosts = `<?xml version="1.0" ?>
<NessusClientData_v2>
<Report name="weekly">
<ReportHost name="hostA">
  <HostProperties>
    <tag name="host-ip">10.0.0.10</tag>
    <tag name="host-fqdn">hosta.corp.local</tag>
    <tag name="operating-system">Linux Kernel 5.15</tag>
    <tag name="HOST_START">Mon Jan 15 10:00:00 2024</tag>
  </HostProperties>
  <ReportItem port="443" svc_name="www" protocol="tcp" severity="4" pluginID="1001" pluginName="OpenSSL RCE">
    <synopsis>Remote code execution.</synopsis>
    <solution>Upgrade OpenSSL.</solution>
    <cvss4_base_score>9.3</cvss4_base_score>
    <cvss3_base_score>9.8</cvss3_base_score>
    <cvss_base_score>10.0</cvss_base_score>
    <cve>CVE-2024-0001</cve>
    <cve>cve-2024-0002</cve>
    <exploit_framework_metasploit>true</exploit_framework_metasploit>
  </ReportItem>
  <ReportItem port="22" svc_name="ssh" protocol="tcp" severity="3" pluginID="1002" pluginName="SSH weak MAC">
    <cvss3_base_score>0.0</cvss3_base_score>
  </ReportItem>
  <ReportItem port="0" svc_name="general" protocol="tcp" severity="0" pluginID="19506" pluginName="Scan Information">
  </ReportItem>
</ReportHost>
<ReportHost name="10.0.0.20">
  <ReportItem port="80" svc_name="www" protocol="TCP" severity="2" pluginID="2001" pluginName="HTTP TRACE">
  </ReportItem>
</ReportHost>
</Report>
</NessusClientData_v2>`

func TestParser_CanParse(t *testing.T) {
	p := NewParser()
	if !p.CanParse([]byte(twoHosts)) {
		t.Error("CanParse(nessus) = false")
	}
	if p.CanParse([]byte("Plugin\tCVE\tCVSS\n")) {
		t.Error("CanParse(tabular) = true")
	}
}

func TestParser_Parse(t *testing.T) {
	batch, err := NewParser().Parse(context.Background(), []byte(twoHosts), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if batch.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", batch.Count())
	}
	if batch.Errors.Count() != 0 {
		t.Errorf("Errors = %s", batch.Errors.String())
	}

	wantPlugins := []string{"1001", "1002", "19506", "2001"}
	for i, id := range wantPlugins {
		if batch.Findings[i].PluginID != id {
			t.Errorf("Findings[%d].PluginID = %s, want %s", i, batch.Findings[i].PluginID, id)
		}
	}

	f := batch.Findings[0]
	if f.Severity != severity.Critical || f.Port != 443 || f.Protocol != "tcp" || f.Service != "www" {
		t.Errorf("first finding = %+v", f)
	}
	if v, ok := f.CVSS.Get(); !ok || v != 9.3 {
		t.Errorf("CVSS = %v, want the v4 score 9.3", f.CVSS)
	}
	if len(f.CVEs) != 2 || f.CVEs[1] != "CVE-2024-0002" {
		t.Errorf("CVEs = %v", f.CVEs)
	}
	if !f.Exploit.Metasploit || f.Exploit.Canvas {
		t.Errorf("Exploit = %+v", f.Exploit)
	}
	if f.Host.Name != "hostA" || f.Host.IP != "10.0.0.10" || f.Host.FQDN != "hosta.corp.local" {
		t.Errorf("Host = %+v", f.Host)
	}
	if !f.Host.ScanStart.IsSet() {
		t.Error("HOST_START not parsed")
	}

	// A zero score is present, not absent.
	if v, ok := batch.Findings[1].CVSS.Get(); !ok || v != 0 {
		t.Errorf("zero CVSS = %v, want present 0", batch.Findings[1].CVSS)
	}
	if batch.Findings[2].CVSS.IsSet() {
		t.Errorf("missing CVSS = %v, want absent", batch.Findings[2].CVSS)
	}
	if batch.Findings[2].Severity != severity.Info {
		t.Errorf("severity 0 = %v, want info", batch.Findings[2].Severity)
	}

	last := batch.Findings[3]
	if last.Host.IP != "10.0.0.20" || last.Host.Name != "" || last.Protocol != "tcp" {
		t.Errorf("address-only host = %+v", last.Host)
	}
	if got := batch.Hosts(); len(got) != 2 {
		t.Errorf("Hosts() = %v, want 2", got)
	}
}

func TestParser_RecordErrors(t *testing.T) {
	doc := `<NessusClientData_v2><Report>
<ReportHost>
  <ReportItem port="22" protocol="tcp" severity="3" pluginID="1"></ReportItem>
</ReportHost>
<ReportHost name="web01">
  <ReportItem port="22" protocol="tcp" severity="high" pluginID="2"></ReportItem>
  <ReportItem port="99999" protocol="tcp" severity="3" pluginID="3"></ReportItem>
  <ReportItem port="80" protocol="tcp" severity="1" pluginID="4"><cvss3_base_score>abc</cvss3_base_score></ReportItem>
  <ReportItem port="80" protocol="tcp" severity="7" pluginID="5"></ReportItem>
  <ReportItem port="80" protocol="tcp" severity="1" pluginID="6"></ReportItem>
</ReportHost>
</Report></NessusClientData_v2>`

	batch, err := NewParser().Parse(context.Background(), []byte(doc), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if batch.Count() != 2 {
		t.Errorf("Count() = %d, want 2", batch.Count())
	}
	if batch.Errors.Count() != 4 {
		t.Errorf("Errors.Count() = %d, want 4: %s", batch.Errors.Count(), batch.Errors.String())
	}
	if batch.SeverityFallbacks != 1 {
		t.Errorf("SeverityFallbacks = %d, want 1", batch.SeverityFallbacks)
	}
	if batch.Findings[0].Severity != severity.Unknown {
		t.Errorf("severity 7 = %v, want unknown", batch.Findings[0].Severity)
	}
	if e := batch.Errors.Errors[0]; e.Index != 1 || e.Host != "" {
		t.Errorf("missing name error = %+v", e)
	}
	if e := batch.Errors.Errors[1]; e.Host != "web01" {
		t.Errorf("item error host = %q, want web01", e.Host)
	}
}

func TestParser_HostLevelPort(t *testing.T) {
	doc := `<NessusClientData_v2><Report>
<ReportHost name="web01">
  <ReportItem port="0" protocol="tcp" severity="0" pluginID="19506"></ReportItem>
  <ReportItem protocol="tcp" severity="0" pluginID="10287"></ReportItem>
</ReportHost>
</Report></NessusClientData_v2>`

	batch, err := NewParser().Parse(context.Background(), []byte(doc), nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if batch.Count() != 2 || batch.Errors.Count() != 0 {
		t.Fatalf("got %d findings, %d errors, want 2 and 0", batch.Count(), batch.Errors.Count())
	}
	for _, f := range batch.Findings {
		if f.Port != 0 {
			t.Errorf("plugin %s Port = %d, want 0", f.PluginID, f.Port)
		}
	}
}

func TestParser_StructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"wrong root", `<ScanReport><ReportHost name="a"/></ScanReport>`},
		{"not xml", `{"version": "1"}`},
		{"truncated", `<NessusClientData_v2><Report><ReportHost name="a"><ReportItem pluginID="1" severity="1">`},
		{"unclosed root", `<NessusClientData_v2><Report></Report>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := NewParser().Parse(context.Background(), []byte(tt.doc), nil)
			if err == nil {
				t.Fatal("Parse() error = nil, want structural error")
			}
			if !verrors.IsParseError(err) {
				t.Errorf("Parse() error kind = %v, want parse", verrors.GetKind(err))
			}
			if batch != nil {
				t.Error("Parse() returned a partial batch")
			}
		})
	}
}

func TestParser_MaxRecordErrors(t *testing.T) {
	var b strings.Builder
	b.WriteString("<NessusClientData_v2><Report>")
	for i := 0; i < 3; i++ {
		b.WriteString(`<ReportHost></ReportHost>`)
	}
	b.WriteString("</Report></NessusClientData_v2>")

	_, err := NewParser().Parse(context.Background(), []byte(b.String()), &parsers.ParseOptions{MaxRecordErrors: 2})
	if !verrors.IsParseError(err) {
		t.Errorf("Parse() error = %v, want parse error after too many record errors", err)
	}
}

func TestParser_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewParser().Parse(ctx, []byte(twoHosts), nil); err == nil {
		t.Error("Parse() with cancelled context error = nil")
	}
}
