package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/vulnsla/pkg/compress"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/health"
	"github.com/exploopio/vulnsla/pkg/inventory"
	"github.com/exploopio/vulnsla/pkg/paginate"
	"github.com/exploopio/vulnsla/pkg/shared/severity"
	"github.com/exploopio/vulnsla/pkg/store"
	"github.com/exploopio/vulnsla/pkg/trend"
)

const dateFormat = "2006-01-02"

// pageOptions holds the --page and --size flags.
type pageOptions struct {
	page int
	size int
}

func (p *pageOptions) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.page, "page", 1, "Page number (1-based)")
	cmd.Flags().IntVar(&p.size, "size", 20, "Page size")
}

// pageOf windows items. An empty collection yields an empty first page so
// listings can say so instead of failing.
func pageOf[T any](items []T, p pageOptions) (*paginate.Page[T], error) {
	if len(items) == 0 {
		if _, err := paginate.TotalPages(0, p.size); err != nil {
			return nil, err
		}
		return &paginate.Page[T]{Number: 1, Size: p.size}, nil
	}
	return paginate.Paginate(items, p.page, p.size)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func pageFooter[T any](w io.Writer, page *paginate.Page[T]) {
	if page.TotalItems == 0 {
		return
	}
	fmt.Fprintf(w, "\npage %d of %d (%d total)\n", page.Number, page.TotalPages, page.TotalItems)
}

func newAssetsCmd(root *rootOptions) *cobra.Command {
	var pages pageOptions

	cmd := &cobra.Command{
		Use:   "assets",
		Short: "List assets by risk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			assets, err := a.store.ListAssets(cmd.Context())
			if err != nil {
				return err
			}
			page, err := pageOf(assets, pages)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if root.json {
				return writeJSON(w, page)
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(w, "no assets")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "ID\tASSET\tIP\tOS\tVULNS\tRISK\tHIGHEST\tLAST SEEN")
			for _, as := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.1f\t%s\t%s\n",
					as.ID, as.DisplayName(), as.IP, as.OS, as.VulnerabilityCount,
					as.RiskScore, as.HighestSeverity, as.LastSeen.Format(dateFormat))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			pageFooter(w, page)
			return nil
		},
	}
	pages.register(cmd)
	return cmd
}

func newVulnsCmd(root *rootOptions) *cobra.Command {
	var pages pageOptions
	var filter store.VulnerabilityFilter
	var level string

	cmd := &cobra.Command{
		Use:   "vulns",
		Short: "List vulnerabilities by severity and age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if level != "" {
				l, err := parseLevel(level)
				if err != nil {
					return err
				}
				filter.Severity = l
			}

			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			vulns, err := a.store.ListVulnerabilities(cmd.Context(), filter)
			if err != nil {
				return err
			}
			page, err := pageOf(vulns, pages)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if root.json {
				return writeJSON(w, page)
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(w, "no vulnerabilities")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "ID\tASSET\tPLUGIN\tPORT\tSEVERITY\tAGE\tSLA\tBREACH\tNAME")
			for _, v := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					v.ID, v.AssetKey, v.PluginID, portLabel(v), v.Severity,
					v.Aging.AgeDays(), v.Aging.SLATargetDays, yesNo(v.Aging.IsBreach()), v.Name)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			pageFooter(w, page)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.AssetID, "asset", "", "Only vulnerabilities of this asset ID")
	cmd.Flags().StringVar(&level, "severity", "", "Only this severity: critical, high, medium, low, info, unknown")
	cmd.Flags().BoolVar(&filter.BreachedOnly, "breached", false, "Only vulnerabilities past their SLA target")
	cmd.Flags().BoolVar(&filter.ActiveOnly, "active", false, "Only vulnerabilities seen in their asset's latest import")
	pages.register(cmd)
	return cmd
}

func newTrendCmd(root *rootOptions) *cobra.Command {
	var pages pageOptions

	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Show SLA breach counts per import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			points, err := a.store.ListTrend(cmd.Context())
			if err != nil {
				return err
			}
			page, err := pageOf(trendRows(points), pages)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if root.json {
				return writeJSON(w, page)
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(w, "no imports recorded")
				return nil
			}
			writeTrend(w, page.Items)
			pageFooter(w, page)
			return nil
		},
	}
	pages.register(cmd)
	return cmd
}

// trendRow is a trend point with its change against the previous import.
type trendRow struct {
	trend.Point
	Change trend.BreachCounts `json:"change"`
}

func trendRows(points []trend.Point) []trendRow {
	rows := make([]trendRow, len(points))
	var prev trend.Point
	for i, p := range points {
		rows[i] = trendRow{Point: p, Change: trend.Delta(prev, p)}
		prev = p
	}
	return rows
}

func writeTrend(w io.Writer, rows []trendRow) {
	tw := newTable(w)
	fmt.Fprintln(tw, "DATE\tIMPORT\tSOURCE\tHOSTS\tFINDINGS\tCRITICAL\tHIGH\tMEDIUM\tLOW\tTOTAL\tCHANGE")
	for _, r := range rows {
		b := r.Breaches
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%+d\n",
			r.ScanDate.Format(dateFormat), r.ImportID, r.Source, r.Hosts, r.Findings,
			b.Critical, b.High, b.Medium, b.Low, b.Total, r.Change.Total)
	}
	_ = tw.Flush()
}

func newImportsCmd(root *rootOptions) *cobra.Command {
	var pages pageOptions
	var payloadOut string

	cmd := &cobra.Command{
		Use:   "imports [IMPORT-ID]",
		Short: "List import history, or extract the archived scan file of one import",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 {
				return extractPayload(cmd, a, args[0], payloadOut)
			}

			records, err := a.store.ListImports(cmd.Context())
			if err != nil {
				return err
			}
			page, err := pageOf(records, pages)
			if err != nil {
				return err
			}
			if root.json {
				return writeJSON(w, page)
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(w, "no imports recorded")
				return nil
			}
			tw := newTable(w)
			fmt.Fprintln(tw, "ID\tIMPORTED\tSOURCE\tSTATUS\tBYTES\tDETAIL")
			for _, r := range page.Items {
				detail := r.Error
				if r.Summary != nil {
					detail = r.Summary.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.ImportedAt.Format("2006-01-02 15:04:05"), r.Source, r.Status, r.PayloadSize, detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			pageFooter(w, page)
			return nil
		},
	}
	cmd.Flags().StringVarP(&payloadOut, "output", "o", "", "Write the archived scan file here (default: stdout)")
	pages.register(cmd)
	return cmd
}

func extractPayload(cmd *cobra.Command, a *app, id, out string) error {
	data, algo, err := a.store.ImportPayload(cmd.Context(), id)
	if err != nil {
		return err
	}
	raw, err := compress.NewCompressor(algo, compress.LevelDefault).Decompress(data)
	if err != nil {
		return verrors.E(verrors.KindStorage, "imports", "decompress payload", err)
	}
	if out == "" {
		_, err = cmd.OutOrStdout().Write(raw)
		return err
	}
	return os.WriteFile(out, raw, 0600)
}

func newReviseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revise VULNERABILITY-ID SEVERITY",
		Short: "Change a vulnerability's severity and recompute its SLA target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(args[1])
			if err != nil {
				return err
			}

			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			v, err := a.engine.ReviseSeverity(cmd.Context(), args[0], level)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if root.json {
				return writeJSON(w, v)
			}
			fmt.Fprintf(w, "%s: severity %s, SLA target %d days, age %d days, breach %s\n",
				v.ID, v.Severity, v.Aging.SLATargetDays, v.Aging.AgeDays(), yesNo(v.Aging.IsBreach()))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, appVersion)
		},
	}
}

// parseLevel accepts the six severity names.
func parseLevel(s string) (severity.Level, error) {
	l := severity.FromText(s)
	if l == severity.Unknown && !strings.EqualFold(strings.TrimSpace(s), string(severity.Unknown)) {
		return "", verrors.E(verrors.KindInvalidInput, "parseLevel", fmt.Sprintf("unknown severity %q", s))
	}
	return l, nil
}

func portLabel(v inventory.Vulnerability) string {
	return fmt.Sprintf("%d/%s", v.Port, v.Protocol)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the database, its volume and the last import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			response := a.healthHandler().Check(cmd.Context())
			w := cmd.OutOrStdout()
			if root.json {
				if err := writeJSON(w, response); err != nil {
					return err
				}
			} else {
				tw := newTable(w)
				fmt.Fprintln(tw, "CHECK\tSTATUS\tDETAIL")
				for _, name := range response.Names() {
					r := response.Checks[name]
					detail := r.Message
					if r.Error != "" {
						detail = r.Error
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", name, r.Status, detail)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(w, "\noverall: %s\n", response.Status)
			}
			if response.Status == health.StatusUnhealthy {
				return verrors.E(verrors.KindStorage, "health", "installation is unhealthy")
			}
			return nil
		},
	}
}
