package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/exploopio/vulnsla/pkg/engine"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/pipeline"
)

// importOutcome is the result of importing one file.
type importOutcome struct {
	File   string         `json:"file"`
	Result *engine.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func newImportCmd(root *rootOptions) *cobra.Command {
	var format string
	var workers int

	cmd := &cobra.Command{
		Use:     "import FILE...",
		Short:   "Import scan exports",
		Example: "vulnsla import weekly.nessus export.tsv.zst",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			if workers > 0 {
				a.cfg.Pipeline.Workers = workers
			}
			outcomes, err := runImports(cmd.Context(), a, args, format)
			if err != nil {
				return err
			}
			return printImports(cmd.OutOrStdout(), root.json, outcomes)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "Input format: nessus, tabular, csv, tsv (default: detect)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Concurrent imports (default: pipeline.workers)")
	return cmd
}

// runImports feeds every file through the import pipeline and returns the
// outcomes in argument order.
func runImports(ctx context.Context, a *app, files []string, format string) ([]importOutcome, error) {
	outcomes := make([]importOutcome, len(files))
	jobs := make(map[string]int, len(files))
	var mu sync.Mutex

	record := func(item *pipeline.QueueItem, res *engine.Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		i := jobs[item.ID]
		outcomes[i].Result = res
		if err != nil {
			outcomes[i].Error = err.Error()
		}
	}

	backoff, err := a.cfg.Pipeline.Backoff()
	if err != nil {
		return nil, err
	}
	p := pipeline.NewPipeline(&pipeline.PipelineConfig{
		QueueSize:     max(a.cfg.Pipeline.QueueSize, len(files)),
		Workers:       a.cfg.Pipeline.Workers,
		RetryAttempts: a.cfg.Pipeline.MaxRetries,
		RetryDelay:    a.cfg.Pipeline.RetryDelay,
		Backoff:       backoff,
		RateLimit:     a.cfg.Pipeline.RateLimit,
		Burst:         a.cfg.Pipeline.Burst,
		Logger:        a.log.Named("pipeline"),
		Metrics:       a.collector,
		OnCompleted: func(item *pipeline.QueueItem, res *engine.Result) {
			record(item, res, nil)
		},
		OnFailed: func(item *pipeline.QueueItem, err error) {
			record(item, nil, err)
		},
	}, a.engine)

	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	for i, file := range files {
		outcomes[i].File = file
		payload, err := os.ReadFile(file)
		if err != nil {
			outcomes[i].Error = verrors.E(verrors.KindInvalidInput, "import", "read "+file, err).Error()
			continue
		}

		// Hold the lock so a fast worker cannot report before the job is mapped.
		mu.Lock()
		id, err := p.Submit(engine.Request{
			Payload: payload,
			Format:  format,
			Name:    filepath.Base(file),
		})
		if err == nil {
			jobs[id] = i
		} else {
			outcomes[i].Error = err.Error()
		}
		mu.Unlock()
	}

	if err := p.Flush(ctx); err != nil {
		return nil, err
	}
	if err := p.Stop(ctx); err != nil {
		return nil, err
	}

	stats := p.GetStats()
	a.log.Info("imported %d of %d files (%d retries, %d bytes)",
		stats.Completed, len(files), stats.Retried, stats.TotalBytes)
	return outcomes, nil
}

func printImports(w io.Writer, asJSON bool, outcomes []importOutcome) error {
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}

	if asJSON {
		if err := writeJSON(w, outcomes); err != nil {
			return err
		}
	} else {
		for _, o := range outcomes {
			if o.Error != "" {
				fmt.Fprintf(w, "FAIL %s: %s\n", o.File, o.Error)
				continue
			}
			r := o.Result
			fmt.Fprintf(w, "OK   %s: import %s, %s\n", o.File, r.ImportID, r.Summary)
			for _, re := range r.RecordErrors {
				fmt.Fprintf(w, "     rejected %s\n", re.Error())
			}
			for _, c := range r.Conflicts {
				fmt.Fprintf(w, "     conflict %s %s: %s\n", c.AssetKey, c.VulnerabilityID, c.Reason)
			}
			b := r.Trend.Breaches
			fmt.Fprintf(w, "     breaches: critical=%d high=%d medium=%d low=%d total=%d\n",
				b.Critical, b.High, b.Medium, b.Low, b.Total)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d imports failed", failed, len(outcomes))
	}
	return nil
}
