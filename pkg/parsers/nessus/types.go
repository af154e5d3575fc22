package nessus

// RootElement is the document element of a .nessus v2 report.
const RootElement = "NessusClientData_v2"

// ReportHost is one scanned host.
type ReportHost struct {
	Name       string       `xml:"name,attr"`
	Properties []HostTag    `xml:"HostProperties>tag"`
	Items      []ReportItem `xml:"ReportItem"`
}

// HostTag is a HostProperties name/value pair.
type HostTag struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ReportItem is one plugin result for one host and port.
type ReportItem struct {
	PluginID   string `xml:"pluginID,attr"`
	PluginName string `xml:"pluginName,attr"`
	Severity   string `xml:"severity,attr"`
	Port       string `xml:"port,attr"`
	Service    string `xml:"svc_name,attr"`
	Protocol   string `xml:"protocol,attr"`

	Synopsis     string `xml:"synopsis"`
	Description  string `xml:"description"`
	Solution     string `xml:"solution"`
	SeeAlso      string `xml:"see_also"`
	PluginOutput string `xml:"plugin_output"`

	CVSS4BaseScore   string `xml:"cvss4_base_score"`
	CVSS4ThreatScore string `xml:"cvss4_threat_score"`
	CVSS3BaseScore   string `xml:"cvss3_base_score"`
	CVSSBaseScore    string `xml:"cvss_base_score"`

	CVEs []string `xml:"cve"`

	ExploitMetasploit string `xml:"exploit_framework_metasploit"`
	ExploitCore       string `xml:"exploit_framework_core"`
	ExploitCanvas     string `xml:"exploit_framework_canvas"`
}

// Property returns the value of a HostProperties tag.
func (h *ReportHost) Property(name string) string {
	for _, t := range h.Properties {
		if t.Name == name {
			return t.Value
		}
	}
	return ""
}
