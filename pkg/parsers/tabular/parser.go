// Package tabular parses delimited bulk vulnerability exports.
//
// Rows follow a fixed positional schema. The header row is only used to
// confirm the column count.
package tabular

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/finding"
	"github.com/exploopio/vulnsla/pkg/parsers"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
)

// Column positions.
const (
	ColPluginID = iota
	ColExternalID
	ColCVSSv2
	ColSeverity
	ColHost
	ColProtocol
	ColPort
	ColName
	ColSynopsis
	ColDescription
	ColSolution
	ColSeeAlso
	ColPluginOutput
	ColCVSSv4
	ColCVSSv4Threat
	ColCVSSv3
	ColMetasploit
	ColCoreImpact
	ColCanvas

	// NumColumns is the full schema width.
	NumColumns
)

// RequiredColumns is the number of scalar columns a row must carry. The
// trailing exploit flags may be missing and read as false.
const RequiredColumns = ColCVSSv3 + 1

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Parser converts delimited exports to finding batches.
type Parser struct{}

// NewParser creates a new tabular parser.
func NewParser() *Parser {
	return &Parser{}
}

// Name returns the parser name.
func (p *Parser) Name() string {
	return "tabular"
}

// SupportedFormats returns supported formats.
func (p *Parser) SupportedFormats() []string {
	return []string{"tabular", "tsv", "csv"}
}

// CanParse checks whether the first line splits into the schema's columns.
func (p *Parser) CanParse(data []byte) bool {
	line := firstLine(data)
	if len(line) == 0 || line[0] == '<' || line[0] == '{' {
		return false
	}
	return bytes.Count(line, []byte{'\t'})+1 >= RequiredColumns ||
		bytes.Count(line, []byte{','})+1 >= RequiredColumns
}

// detectDelimiter picks tab unless the header only splits on commas.
func detectDelimiter(data []byte) rune {
	line := firstLine(data)
	if !bytes.ContainsRune(line, '\t') && bytes.Count(line, []byte{','})+1 >= RequiredColumns {
		return ','
	}
	return '\t'
}

func firstLine(data []byte) []byte {
	line, _, _ := bufio.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM))).ReadLine()
	return line
}

// Parse converts a delimited export to a finding batch.
func (p *Parser) Parse(ctx context.Context, data []byte, opts *parsers.ParseOptions) (*finding.Batch, error) {
	const op = "tabular.Parse"

	data = bytes.TrimPrefix(data, utf8BOM)
	delim := detectDelimiter(data)
	if opts != nil && opts.Delimiter != 0 {
		delim = opts.Delimiter
	}

	rows := newRowReader(data, delim)

	header, _, err := rows.Read()
	if errors.Is(err, io.EOF) {
		return nil, verrors.E(verrors.KindParse, op, "missing header row")
	}
	if err != nil {
		return nil, verrors.E(verrors.KindParse, op, "unreadable header row", err)
	}
	if len(header) < RequiredColumns {
		return nil, verrors.E(verrors.KindParse, op,
			fmt.Sprintf("header has %d columns, want at least %d", len(header), RequiredColumns))
	}

	batch := finding.NewBatch(finding.SourceTabular)
	for !opts.TooManyErrors(batch) {
		record, line, err := rows.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, verrors.E(verrors.KindTimeout, op, err)
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			batch.Errors.Add(string(finding.SourceTabular), line, "", err.Error())
			continue
		}
		if err != nil {
			return nil, verrors.E(verrors.KindParse, op, fmt.Sprintf("line %d", line), err)
		}

		f, err := parseRow(record)
		if err != nil {
			batch.Errors.Add(string(finding.SourceTabular), line, host(record), err.Error())
			continue
		}
		batch.Add(f)
	}

	if opts.TooManyErrors(batch) {
		return nil, verrors.E(verrors.KindParse, op,
			fmt.Sprintf("more than %d record errors", opts.MaxRecordErrors), batch.Errors.Err())
	}
	return batch, nil
}

// maxLineSize bounds one row; plugin output cells can be large.
const maxLineSize = 16 << 20

// rowReader yields records with their 1-based line number.
type rowReader interface {
	Read() (record []string, line int, err error)
}

// newRowReader reads comma-separated data with CSV quoting, since exports
// quote cells that contain commas. Any other delimiter is split literally
// one row per line, so quotes in descriptions never span rows.
func newRowReader(data []byte, delim rune) rowReader {
	if delim == ',' {
		r := csv.NewReader(bytes.NewReader(data))
		r.Comma = delim
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		return &csvRows{r: r}
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &lineRows{sc: sc, delim: string(delim)}
}

type csvRows struct {
	r *csv.Reader
}

func (c *csvRows) Read() ([]string, int, error) {
	record, err := c.r.Read()
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, perr.Line, err
		}
		return nil, 0, err
	}
	line, _ := c.r.FieldPos(0)
	return record, line, nil
}

type lineRows struct {
	sc    *bufio.Scanner
	delim string
	line  int
}

func (l *lineRows) Read() ([]string, int, error) {
	for l.sc.Scan() {
		l.line++
		text := strings.TrimSuffix(l.sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		return strings.Split(text, l.delim), l.line, nil
	}
	if err := l.sc.Err(); err != nil {
		return nil, l.line + 1, err
	}
	return nil, l.line, io.EOF
}

func host(record []string) string {
	if len(record) > ColHost {
		return strings.TrimSpace(record[ColHost])
	}
	return ""
}

func parseRow(record []string) (finding.Finding, error) {
	if len(record) < RequiredColumns {
		return finding.Finding{}, fmt.Errorf("row has %d fields, want at least %d", len(record), RequiredColumns)
	}
	field := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	f := finding.Finding{
		PluginID:     field(ColPluginID),
		Name:         field(ColName),
		RawSeverity:  field(ColSeverity),
		Severity:     severity.FromText(field(ColSeverity)),
		Host:         finding.NewHost(field(ColHost)),
		Protocol:     strings.ToLower(field(ColProtocol)),
		Synopsis:     field(ColSynopsis),
		Description:  field(ColDescription),
		Solution:     field(ColSolution),
		SeeAlso:      field(ColSeeAlso),
		PluginOutput: field(ColPluginOutput),
		Exploit: finding.ExploitFlags{
			Metasploit: field(ColMetasploit) == "TRUE",
			CoreImpact: field(ColCoreImpact) == "TRUE",
			Canvas:     field(ColCanvas) == "TRUE",
		},
	}
	if f.PluginID == "" {
		return f, errors.New("empty plugin id")
	}
	if f.Host.DisplayName == "" {
		return f, errors.New("empty host")
	}

	port, err := finding.ParsePort(field(ColPort))
	if err != nil {
		return f, err
	}
	f.Port = port.Or(0)

	scores := []struct {
		dst *finding.Score
		col int
	}{
		{&f.CVSSv2, ColCVSSv2},
		{&f.CVSSv4, ColCVSSv4},
		{&f.CVSSv4Threat, ColCVSSv4Threat},
		{&f.CVSSv3, ColCVSSv3},
	}
	for _, s := range scores {
		v, err := finding.ParseScore(field(s.col))
		if err != nil {
			return f, fmt.Errorf("column %d: %w", s.col+1, err)
		}
		*s.dst = v
	}
	f.ResolveCVSS()

	for _, id := range splitIDs(field(ColExternalID)) {
		f.AddCVE(id)
	}
	return f, nil
}

// splitIDs splits an external id cell that may list several identifiers.
func splitIDs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '|'
	})
}
