// Package pipeline runs scan imports in the background on a worker pool so
// that many files can be ingested in parallel.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/vulnsla/pkg/engine"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/logger"
	"github.com/exploopio/vulnsla/pkg/metrics"
	"github.com/exploopio/vulnsla/pkg/retry"
)

// ErrQueueFull is returned by Submit when the queue has no free slot. It is
// retryable.
var ErrQueueFull = verrors.E(verrors.KindUnavailable, "pipeline.Submit", "queue full")

// Importer runs one import.
type Importer interface {
	Import(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// PipelineConfig configures the import pipeline.
type PipelineConfig struct {
	// QueueSize is the maximum number of pending imports.
	// Default: 100
	QueueSize int

	// Workers is the number of concurrent import workers.
	// Default: 4
	Workers int

	// RetryAttempts is the number of retries after a retryable failure.
	// Parse and validation errors are never retried.
	// Default: 3
	RetryAttempts int

	// RetryDelay is the base delay between retries.
	// Default: 500ms
	RetryDelay time.Duration

	// Backoff is how the delay grows between retries.
	// Default: retry.BackoffExponential
	Backoff retry.BackoffStrategy

	// ImportTimeout bounds each import attempt.
	// Default: 5 minutes
	ImportTimeout time.Duration

	// RateLimit caps import attempts per second across all workers.
	// Zero disables the limit.
	RateLimit float64

	// Burst is the rate limiter burst. Default: 1
	Burst int

	// OnSubmitted is called when an import is queued.
	OnSubmitted func(item *QueueItem)

	// OnCompleted is called when an import completes.
	OnCompleted func(item *QueueItem, result *engine.Result)

	// OnFailed is called when an import fails for good.
	OnFailed func(item *QueueItem, err error)

	Logger  logger.Logger
	Metrics metrics.Collector
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		QueueSize:     100,
		Workers:       4,
		RetryAttempts: 3,
		RetryDelay:    500 * time.Millisecond,
		ImportTimeout: 5 * time.Minute,
		Burst:         1,
	}
}

// QueueItem represents a pending import.
type QueueItem struct {
	ID          string         `json:"id"`
	Request     engine.Request `json:"-"`
	Name        string         `json:"name"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
}

// Pipeline manages background imports.
type Pipeline struct {
	config   *PipelineConfig
	importer Importer
	backoff  *retry.BackoffConfig
	limiter  *rate.Limiter
	metrics  *metrics.Recorder
	logger   logger.Logger

	queue chan *QueueItem

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// Stats
	submitted  int64
	completed  int64
	failed     int64
	retried    int64
	pending    int64
	inProgress int32
	totalBytes int64
	seq        int64
}

// NewPipeline creates a new import pipeline.
func NewPipeline(config *PipelineConfig, importer Importer) *Pipeline {
	if config == nil {
		config = DefaultPipelineConfig()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.ImportTimeout <= 0 {
		config.ImportTimeout = 5 * time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	backoff := retry.DefaultBackoffConfig()
	backoff.Strategy = config.Backoff
	backoff.BaseInterval = config.RetryDelay

	p := &Pipeline{
		config:   config,
		importer: importer,
		backoff:  backoff,
		metrics:  metrics.NewRecorder(config.Metrics),
		logger:   logger.OrNop(config.Logger),
		queue:    make(chan *QueueItem, config.QueueSize),
		stopCh:   make(chan struct{}),
	}
	if config.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst)
	}
	return p
}

// Start begins the import workers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Debug("pipeline started with %d workers, queue size %d, %s retries %v (at most %v)",
		p.config.Workers, p.config.QueueSize, p.backoff.Strategy,
		p.backoff.RetrySchedule(p.config.RetryAttempts), p.backoff.TotalBackoffTime(p.config.RetryAttempts))
	return nil
}

// Stop gracefully stops the pipeline.
// Queued imports are drained before the workers exit.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("pipeline stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues an import and returns immediately.
func (p *Pipeline) Submit(req engine.Request) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return "", verrors.E(verrors.KindInvalidInput, "pipeline.Submit", "pipeline not running")
	}

	item := &QueueItem{
		ID:          fmt.Sprintf("job-%d", atomic.AddInt64(&p.seq, 1)),
		Request:     req,
		Name:        req.Name,
		SubmittedAt: time.Now(),
	}

	atomic.AddInt64(&p.pending, 1)
	select {
	case p.queue <- item:
		atomic.AddInt64(&p.submitted, 1)
		atomic.AddInt64(&p.totalBytes, int64(len(req.Payload)))
		p.metrics.QueueSize(len(p.queue))

		if p.config.OnSubmitted != nil {
			p.config.OnSubmitted(item)
		}
		p.logger.Debug("import %s queued (%s, %d bytes)", item.ID, item.Name, len(req.Payload))
		return item.ID, nil
	default:
		atomic.AddInt64(&p.pending, -1)
		return "", verrors.WrapWithMessage(ErrQueueFull, fmt.Sprintf("size %d", p.config.QueueSize))
	}
}

// QueueLength returns the current queue length.
func (p *Pipeline) QueueLength() int {
	return len(p.queue)
}

// Stats returns pipeline statistics.
type Stats struct {
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
	InProgress  int   `json:"in_progress"`
	QueueLength int   `json:"queue_length"`
	TotalBytes  int64 `json:"total_bytes"`
}

// GetStats returns current pipeline statistics.
func (p *Pipeline) GetStats() *Stats {
	return &Stats{
		Submitted:   atomic.LoadInt64(&p.submitted),
		Completed:   atomic.LoadInt64(&p.completed),
		Failed:      atomic.LoadInt64(&p.failed),
		Retried:     atomic.LoadInt64(&p.retried),
		InProgress:  int(atomic.LoadInt32(&p.inProgress)),
		QueueLength: len(p.queue),
		TotalBytes:  atomic.LoadInt64(&p.totalBytes),
	}
}

// worker processes queue items.
func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			// Drain remaining items before stopping
			for {
				select {
				case item := <-p.queue:
					p.processItem(ctx, item)
				default:
					return
				}
			}
		case item := <-p.queue:
			p.processItem(ctx, item)
		}
	}
}

// processItem runs one import with retries.
func (p *Pipeline) processItem(ctx context.Context, item *QueueItem) {
	atomic.AddInt32(&p.inProgress, 1)
	defer func() {
		atomic.AddInt32(&p.inProgress, -1)
		atomic.AddInt64(&p.pending, -1)
	}()
	p.metrics.QueueSize(len(p.queue))

	var lastErr error
	for attempt := 0; attempt <= p.config.RetryAttempts; attempt++ {
		item.Attempts = attempt + 1

		if attempt > 0 {
			atomic.AddInt64(&p.retried, 1)
			p.metrics.Retry()
			if err := p.backoff.Wait(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				lastErr = verrors.E(verrors.KindTimeout, "pipeline.processItem", err)
				break
			}
		}

		importCtx, cancel := context.WithTimeout(ctx, p.config.ImportTimeout)
		result, err := p.importer.Import(importCtx, item.Request)
		cancel()

		if err == nil {
			atomic.AddInt64(&p.completed, 1)
			if p.config.OnCompleted != nil {
				p.config.OnCompleted(item, result)
			}
			p.logger.Debug("import %s completed (%s, attempt %d)", item.ID, result.ImportID, attempt+1)
			return
		}

		lastErr = err
		item.LastError = err.Error()
		if !retry.ShouldRetry(err) {
			break
		}
		p.logger.Warn("import %s failed (attempt %d/%d): %v",
			item.ID, attempt+1, p.config.RetryAttempts+1, err)
	}

	atomic.AddInt64(&p.failed, 1)
	if p.config.OnFailed != nil {
		p.config.OnFailed(item, lastErr)
	}
	p.logger.Error("import %s failed after %d attempts: %v", item.ID, item.Attempts, lastErr)
}

// Flush blocks until every submitted import has finished.
func (p *Pipeline) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if atomic.LoadInt64(&p.pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
