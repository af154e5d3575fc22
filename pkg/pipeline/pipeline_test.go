package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exploopio/vulnsla/pkg/engine"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/metrics"
	"github.com/exploopio/vulnsla/pkg/retry"
)

// mockImporter implements Importer for testing
type mockImporter struct {
	importFunc func(ctx context.Context, req engine.Request) (*engine.Result, error)
	imports    int32
}

func (m *mockImporter) Import(ctx context.Context, req engine.Request) (*engine.Result, error) {
	atomic.AddInt32(&m.imports, 1)
	if m.importFunc != nil {
		return m.importFunc(ctx, req)
	}
	return &engine.Result{ImportID: "imp-" + req.Name}, nil
}

func flush(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestNewPipeline(t *testing.T) {
	importer := &mockImporter{}

	tests := []struct {
		name      string
		config    *PipelineConfig
		queueSize int
		workers   int
	}{
		{"nil config uses defaults", nil, 100, 4},
		{"custom config", &PipelineConfig{QueueSize: 50, Workers: 2}, 50, 2},
		{"zero values get defaults", &PipelineConfig{}, 100, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(tt.config, importer)
			if cap(p.queue) != tt.queueSize {
				t.Errorf("QueueSize = %d, want %d", cap(p.queue), tt.queueSize)
			}
			if p.config.Workers != tt.workers {
				t.Errorf("Workers = %d, want %d", p.config.Workers, tt.workers)
			}
			if p.limiter != nil {
				t.Error("limiter should be nil without a rate limit")
			}
		})
	}
}

func TestNewPipeline_Backoff(t *testing.T) {
	p := NewPipeline(&PipelineConfig{RetryDelay: time.Second, Backoff: retry.BackoffConstant}, &mockImporter{})
	if p.backoff.Strategy != retry.BackoffConstant {
		t.Errorf("Strategy = %v, want constant", p.backoff.Strategy)
	}
	if got := p.backoff.RetrySchedule(2); got[0] != time.Second || got[1] != time.Second {
		t.Errorf("RetrySchedule(2) = %v, want [1s 1s]", got)
	}
}

func TestPipeline_StartStop(t *testing.T) {
	p := NewPipeline(&PipelineConfig{QueueSize: 10, Workers: 2}, &mockImporter{})
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Errorf("second Start() error = %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	if _, err := p.Submit(engine.Request{}); !verrors.IsInvalidInput(err) {
		t.Errorf("Submit() after Stop error = %v, want invalid input", err)
	}
}

func TestPipeline_Submit(t *testing.T) {
	importer := &mockImporter{}

	var mu sync.Mutex
	var completed []string
	p := NewPipeline(&PipelineConfig{
		QueueSize: 10,
		Workers:   2,
		OnCompleted: func(item *QueueItem, result *engine.Result) {
			mu.Lock()
			completed = append(completed, result.ImportID)
			mu.Unlock()
		},
	}, importer)

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	for _, name := range []string{"a.nessus", "b.tsv", "c.tsv"} {
		id, err := p.Submit(engine.Request{Name: name, Payload: []byte("data")})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if id == "" {
			t.Error("Submit() returned an empty id")
		}
	}
	flush(t, p)

	if got := atomic.LoadInt32(&importer.imports); got != 3 {
		t.Errorf("imports = %d, want 3", got)
	}
	mu.Lock()
	if len(completed) != 3 {
		t.Errorf("OnCompleted called %d times, want 3", len(completed))
	}
	mu.Unlock()

	stats := p.GetStats()
	if stats.Submitted != 3 || stats.Completed != 3 || stats.Failed != 0 {
		t.Errorf("GetStats() = %+v", stats)
	}
	if stats.TotalBytes != 12 {
		t.Errorf("TotalBytes = %d, want 12", stats.TotalBytes)
	}
}

func TestPipeline_QueueFull(t *testing.T) {
	blockCh := make(chan struct{})
	started := make(chan struct{}, 10)
	importer := &mockImporter{
		importFunc: func(ctx context.Context, req engine.Request) (*engine.Result, error) {
			started <- struct{}{}
			<-blockCh
			return &engine.Result{}, nil
		},
	}

	p := NewPipeline(&PipelineConfig{QueueSize: 2, Workers: 1}, importer)
	ctx := context.Background()
	p.Start(ctx)
	defer func() {
		close(blockCh)
		p.Stop(ctx)
	}()

	// The first import occupies the worker, the next two fill the queue.
	if _, err := p.Submit(engine.Request{}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	for i := 0; i < 2; i++ {
		if _, err := p.Submit(engine.Request{}); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}

	_, err := p.Submit(engine.Request{})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() error = %v, want ErrQueueFull", err)
	}
	if !verrors.IsRetryable(err) {
		t.Error("ErrQueueFull should be retryable")
	}
	if kind := verrors.GetKind(err); kind != verrors.KindUnavailable {
		t.Errorf("GetKind() = %v, want unavailable", kind)
	}
}

func TestPipeline_RetryableFailure(t *testing.T) {
	var attempts int32
	importer := &mockImporter{
		importFunc: func(ctx context.Context, req engine.Request) (*engine.Result, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, verrors.E(verrors.KindStorage, "store.SaveImport", "database is locked")
			}
			return &engine.Result{ImportID: "imp-1"}, nil
		},
	}
	collector := metrics.NewInMemoryCollector()

	var mu sync.Mutex
	var completedItem *QueueItem
	p := NewPipeline(&PipelineConfig{
		QueueSize:     10,
		Workers:       1,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
		Metrics:       collector,
		OnCompleted: func(item *QueueItem, result *engine.Result) {
			mu.Lock()
			completedItem = item
			mu.Unlock()
		},
	}, importer)

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	p.Submit(engine.Request{Name: "scan.nessus"})
	flush(t, p)

	mu.Lock()
	defer mu.Unlock()
	if completedItem == nil {
		t.Fatal("OnCompleted not called")
	}
	if completedItem.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", completedItem.Attempts)
	}
	if got := collector.GetCounter(metrics.PipelineRetries.Name); got != 2 {
		t.Errorf("pipeline_retries_total = %v, want 2", got)
	}
	if stats := p.GetStats(); stats.Retried != 2 || stats.Completed != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}
}

func TestPipeline_PermanentFailure(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantAttempts int32
	}{
		{"parse errors are not retried", verrors.E(verrors.KindParse, "nessus.Parse", "bad root"), 1},
		{"plain errors are not retried", errors.New("boom"), 1},
		{"storage errors exhaust retries", verrors.E(verrors.KindStorage, "store.SaveImport", "disk full"), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			importer := &mockImporter{
				importFunc: func(ctx context.Context, req engine.Request) (*engine.Result, error) {
					return nil, tt.err
				},
			}

			var mu sync.Mutex
			var failedErr error
			p := NewPipeline(&PipelineConfig{
				QueueSize:     10,
				Workers:       1,
				RetryAttempts: 2,
				RetryDelay:    time.Millisecond,
				OnFailed: func(item *QueueItem, err error) {
					mu.Lock()
					failedErr = err
					mu.Unlock()
				},
			}, importer)

			ctx := context.Background()
			p.Start(ctx)
			defer p.Stop(ctx)

			p.Submit(engine.Request{})
			flush(t, p)

			if got := atomic.LoadInt32(&importer.imports); got != tt.wantAttempts {
				t.Errorf("imports = %d, want %d", got, tt.wantAttempts)
			}
			mu.Lock()
			if !errors.Is(failedErr, tt.err) {
				t.Errorf("OnFailed error = %v, want %v", failedErr, tt.err)
			}
			mu.Unlock()
			if p.GetStats().Failed != 1 {
				t.Errorf("Failed = %d, want 1", p.GetStats().Failed)
			}
		})
	}
}

func TestPipeline_RateLimit(t *testing.T) {
	importer := &mockImporter{}
	p := NewPipeline(&PipelineConfig{
		QueueSize: 10,
		Workers:   4,
		RateLimit: 20,
		Burst:     1,
	}, importer)
	if p.limiter == nil {
		t.Fatal("limiter should be set")
	}

	ctx := context.Background()
	p.Start(ctx)
	defer p.Stop(ctx)

	start := time.Now()
	for i := 0; i < 5; i++ {
		p.Submit(engine.Request{})
	}
	flush(t, p)

	// Five imports at 20/s with burst 1 need at least four 50ms gaps.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("5 rate limited imports took %v, want at least 150ms", elapsed)
	}
}

func TestPipeline_StopDrainsQueue(t *testing.T) {
	importer := &mockImporter{
		importFunc: func(ctx context.Context, req engine.Request) (*engine.Result, error) {
			time.Sleep(5 * time.Millisecond)
			return &engine.Result{}, nil
		},
	}
	p := NewPipeline(&PipelineConfig{QueueSize: 10, Workers: 1}, importer)
	ctx := context.Background()
	p.Start(ctx)

	for i := 0; i < 5; i++ {
		p.Submit(engine.Request{})
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := atomic.LoadInt32(&importer.imports); got != 5 {
		t.Errorf("imports after Stop = %d, want 5", got)
	}
}
