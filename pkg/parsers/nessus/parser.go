// Package nessus parses Nessus v2 XML reports into finding batches.
//
// The document is streamed one ReportHost at a time so large multi-host
// exports never sit fully decoded in memory.
package nessus

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/parsers"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

const sniffWindow = 4096

// Parser converts Nessus XML output to finding batches.
type Parser struct{}

// NewParser creates a new Nessus parser.
func NewParser() *Parser {
	return &Parser{}
}

// Name returns the parser name.
func (p *Parser) Name() string {
	return "nessus"
}

// SupportedFormats returns supported formats.
func (p *Parser) SupportedFormats() []string {
	return []string{"nessus", "xml"}
}

// CanParse checks for the Nessus v2 root element near the start of data.
func (p *Parser) CanParse(data []byte) bool {
	head := data
	if len(head) > sniffWindow {
		head = head[:sniffWindow]
	}
	return bytes.Contains(head, []byte("<"+RootElement))
}

// Parse converts a Nessus report to a finding batch.
func (p *Parser) Parse(ctx context.Context, data []byte, opts *parsers.ParseOptions) (*finding.Batch, error) {
	const op = "nessus.Parse"

	dec := xml.NewDecoder(bytes.NewReader(data))
	batch := finding.NewBatch(finding.SourceNessus)

	if err := readRoot(dec); err != nil {
		return nil, verrors.E(verrors.KindParse, op, err)
	}

	hostIndex, itemIndex := 0, 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, verrors.E(verrors.KindParse, op, "malformed document", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "ReportHost" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, verrors.E(verrors.KindTimeout, op, err)
		}

		var host ReportHost
		if err := dec.DecodeElement(&host, &se); err != nil {
			return nil, verrors.E(verrors.KindParse, op, "malformed ReportHost", err)
		}
		hostIndex++

		name := strings.TrimSpace(host.Name)
		if name == "" {
			batch.Errors.Add(string(finding.SourceNessus), hostIndex, "", "ReportHost has no name attribute")
			itemIndex += len(host.Items)
			continue
		}

		h := hostFromReport(name, &host)
		for i := range host.Items {
			itemIndex++
			f, err := parseItem(&host.Items[i], h)
			if err != nil {
				batch.Errors.Add(string(finding.SourceNessus), itemIndex, name, err.Error())
				continue
			}
			batch.Add(f)
		}

		if opts.TooManyErrors(batch) {
			return nil, verrors.E(verrors.KindParse, op,
				fmt.Sprintf("more than %d record errors", opts.MaxRecordErrors), batch.Errors.Err())
		}
	}

	return batch, nil
}

// readRoot consumes tokens up to the document element and checks its name.
func readRoot(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return errors.New("empty document")
		}
		if err != nil {
			return fmt.Errorf("unparsable root: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			if se.Name.Local != RootElement {
				return fmt.Errorf("root element %q, want %q", se.Name.Local, RootElement)
			}
			return nil
		}
	}
}

func hostFromReport(name string, rh *ReportHost) finding.Host {
	h := finding.NewHost(name)
	if h.IP == "" {
		h.IP = strings.TrimSpace(rh.Property("host-ip"))
	}
	h.FQDN = strings.TrimSpace(rh.Property("host-fqdn"))
	h.NetBIOSName = strings.TrimSpace(rh.Property("netbios-name"))
	h.OS = strings.TrimSpace(rh.Property("operating-system"))
	h.MAC = strings.TrimSpace(rh.Property("mac-address"))

	// Timestamps are informational; a bad value leaves them absent.
	h.ScanStart, _ = finding.ParseTime(rh.Property("HOST_START"))
	h.ScanEnd, _ = finding.ParseTime(rh.Property("HOST_END"))
	return h
}

func parseItem(item *ReportItem, host finding.Host) (finding.Finding, error) {
	f := finding.Finding{
		PluginID:     strings.TrimSpace(item.PluginID),
		Name:         strings.TrimSpace(item.PluginName),
		RawSeverity:  strings.TrimSpace(item.Severity),
		Host:         host,
		Protocol:     strings.ToLower(strings.TrimSpace(item.Protocol)),
		Service:      strings.TrimSpace(item.Service),
		Synopsis:     strings.TrimSpace(item.Synopsis),
		Description:  strings.TrimSpace(item.Description),
		Solution:     strings.TrimSpace(item.Solution),
		SeeAlso:      strings.TrimSpace(item.SeeAlso),
		PluginOutput: strings.TrimSpace(item.PluginOutput),
		Exploit: finding.ExploitFlags{
			Metasploit: isTrue(item.ExploitMetasploit),
			CoreImpact: isTrue(item.ExploitCore),
			Canvas:     isTrue(item.ExploitCanvas),
		},
	}
	if f.PluginID == "" {
		return f, errors.New("ReportItem has no pluginID")
	}

	code, err := strconv.Atoi(f.RawSeverity)
	if err != nil {
		return f, fmt.Errorf("plugin %s: invalid severity %q", f.PluginID, item.Severity)
	}
	f.Severity = severity.FromCode(code)

	port, err := finding.ParsePort(item.Port)
	if err != nil {
		return f, fmt.Errorf("plugin %s: %w", f.PluginID, err)
	}
	f.Port = port.Or(0)

	scores := []struct {
		dst  *finding.Score
		text string
		name string
	}{
		{&f.CVSSv4, item.CVSS4BaseScore, "cvss4_base_score"},
		{&f.CVSSv4Threat, item.CVSS4ThreatScore, "cvss4_threat_score"},
		{&f.CVSSv3, item.CVSS3BaseScore, "cvss3_base_score"},
		{&f.CVSSv2, item.CVSSBaseScore, "cvss_base_score"},
	}
	for _, s := range scores {
		v, err := finding.ParseScore(s.text)
		if err != nil {
			return f, fmt.Errorf("plugin %s: %s: %w", f.PluginID, s.name, err)
		}
		*s.dst = v
	}
	f.ResolveCVSS()

	for _, cve := range item.CVEs {
		f.AddCVE(cve)
	}
	return f, nil
}

func isTrue(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}
