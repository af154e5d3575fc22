// Package audit writes a JSON-lines trail of import activity.
//
// Every fallback and every rejected record is written here so an operator can
// see exactly what an import skipped or defaulted.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Import lifecycle
	EventImportStarted   EventType = "import_started"
	EventImportCompleted EventType = "import_completed"
	EventImportFailed    EventType = "import_failed"

	// Per-record outcomes
	EventRecordRejected        EventType = "record_rejected"
	EventNormalizationConflict EventType = "normalization_conflict"
	EventSeverityFallback      EventType = "severity_fallback"
	EventSLAFallback           EventType = "sla_fallback"

	// State changes
	EventTrendRecorded   EventType = "trend_recorded"
	EventSeverityRevised EventType = "severity_revised"
)

// Severity represents log severity level.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARN"
	SeverityError   Severity = "ERROR"
)

// Event represents an audit event.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	Type       EventType              `json:"type"`
	Severity   Severity               `json:"severity"`
	ImportID   string                 `json:"import_id,omitempty"`
	Source     string                 `json:"source,omitempty"`
	Host       string                 `json:"host,omitempty"`
	Message    string                 `json:"message"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// LoggerConfig configures the audit logger.
type LoggerConfig struct {
	// LogFile is the path to the audit log file.
	// Default: ~/.vulnsla/audit.log
	LogFile string `yaml:"log_file"`

	// BufferSize is the number of events to buffer before flushing.
	// Default: 100
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often to flush buffered events.
	// Default: 5 seconds
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Console, when set, also receives a human-readable line per event.
	Console io.Writer `yaml:"-"`

	// Now overrides the clock used to stamp events.
	Now func() time.Time `yaml:"-"`
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() *LoggerConfig {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = os.TempDir()
	}

	return &LoggerConfig{
		LogFile:       filepath.Join(home, ".vulnsla", "audit.log"),
		BufferSize:    100,
		FlushInterval: 5 * time.Second,
	}
}

// Logger is the audit logger. A nil *Logger discards every event.
type Logger struct {
	config *LoggerConfig
	file   *os.File
	mu     sync.Mutex

	buffer   []Event
	bufferMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewLogger creates a new audit logger.
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	// Apply defaults for zero values
	if config.LogFile == "" {
		config.LogFile = DefaultLoggerConfig().LogFile
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	dir := filepath.Dir(config.LogFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	// 0640 = owner read/write, group read
	file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	return &Logger{
		config: config,
		file:   file,
		buffer: make([]Event, 0, config.BufferSize),
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins background flushing.
func (l *Logger) Start() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	l.wg.Add(1)
	go l.flushLoop()
}

// Close stops background flushing, writes remaining events and closes the
// file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	if l.running {
		l.running = false
		close(l.stopCh)
	}
	l.mu.Unlock()

	l.wg.Wait()

	if err := l.Flush(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

// Log records an audit event.
func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.config.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	l.bufferMu.Lock()
	l.buffer = append(l.buffer, event)
	shouldFlush := len(l.buffer) >= l.config.BufferSize
	l.bufferMu.Unlock()

	if l.config.Console != nil {
		l.printEvent(event)
	}

	if shouldFlush {
		_ = l.Flush()
	}
}

// Flush writes buffered events to disk.
func (l *Logger) Flush() error {
	if l == nil {
		return nil
	}
	l.bufferMu.Lock()
	if len(l.buffer) == 0 {
		l.bufferMu.Unlock()
		return nil
	}
	events := l.buffer
	l.buffer = make([]Event, 0, l.config.BufferSize)
	l.bufferMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := l.file.Write(data); err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
	}

	return l.file.Sync()
}

// flushLoop periodically flushes buffered events.
func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			_ = l.Flush()
		}
	}
}

// printEvent prints an event in human-readable format.
func (l *Logger) printEvent(event Event) {
	timestamp := event.Timestamp.Format("2006-01-02 15:04:05")
	fmt.Fprintf(l.config.Console, "[%s] [%s] %s: %s\n", timestamp, event.Severity, event.Type, event.Message)
	if event.Error != "" {
		fmt.Fprintf(l.config.Console, "  Error: %s\n", event.Error)
	}
}

// ForImport returns a logger that stamps every event with one import.
func (l *Logger) ForImport(importID, source string) *ImportLogger {
	return &ImportLogger{logger: l, importID: importID, source: source}
}

// ImportLogger wraps Logger with the identity of one import.
type ImportLogger struct {
	logger   *Logger
	importID string
	source   string
}

func (il *ImportLogger) log(e Event) {
	e.ImportID = il.importID
	e.Source = il.source
	il.logger.Log(e)
}

// Started logs the start of an import.
func (il *ImportLogger) Started(payloadBytes int) {
	il.log(Event{
		Type:    EventImportStarted,
		Message: "Import started",
		Details: map[string]interface{}{"payload_bytes": payloadBytes},
	})
}

// Completed logs a successful import.
func (il *ImportLogger) Completed(duration time.Duration, details map[string]interface{}) {
	il.log(Event{
		Type:       EventImportCompleted,
		Message:    "Import completed",
		DurationMs: duration.Milliseconds(),
		Details:    details,
	})
}

// Failed logs a failed import.
func (il *ImportLogger) Failed(err error, duration time.Duration) {
	e := Event{
		Type:       EventImportFailed,
		Severity:   SeverityError,
		Message:    "Import failed",
		DurationMs: duration.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	il.log(e)
}

// RecordRejected logs one skipped host, finding or row.
func (il *ImportLogger) RecordRejected(index int, host, reason string) {
	il.log(Event{
		Type:     EventRecordRejected,
		Severity: SeverityWarning,
		Host:     host,
		Message:  fmt.Sprintf("Record %d rejected", index),
		Error:    reason,
		Details:  map[string]interface{}{"index": index},
	})
}

// Conflict logs a vulnerability update rejected during normalization.
func (il *ImportLogger) Conflict(assetKey, vulnerabilityID, reason string) {
	il.log(Event{
		Type:     EventNormalizationConflict,
		Severity: SeverityWarning,
		Host:     assetKey,
		Message:  "Vulnerability update rejected",
		Error:    reason,
		Details:  map[string]interface{}{"vulnerability_id": vulnerabilityID},
	})
}

// Fallback logs that count records were given a default value.
func (il *ImportLogger) Fallback(eventType EventType, count int) {
	if count == 0 {
		return
	}
	il.log(Event{
		Type:     eventType,
		Severity: SeverityWarning,
		Message:  fmt.Sprintf("%d records used a fallback value", count),
		Details:  map[string]interface{}{"count": count},
	})
}

// TrendRecorded logs the trend point written for the import.
func (il *ImportLogger) TrendRecorded(details map[string]interface{}) {
	il.log(Event{
		Type:    EventTrendRecorded,
		Message: "Trend point recorded",
		Details: details,
	})
}

// SeverityRevised logs an administrative severity revision.
func (l *Logger) SeverityRevised(vulnerabilityID, from, to string, targetDays int) {
	l.Log(Event{
		Type:    EventSeverityRevised,
		Message: fmt.Sprintf("Severity revised from %s to %s", from, to),
		Details: map[string]interface{}{
			"vulnerability_id": vulnerabilityID,
			"sla_target_days":  targetDays,
		},
	})
}
