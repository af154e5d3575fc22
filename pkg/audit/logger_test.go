package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var fixedNow = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func newTestLogger(t *testing.T, bufferSize int) (*Logger, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "audit", "audit.log")
	l, err := NewLogger(&LoggerConfig{
		LogFile:    logFile,
		BufferSize: bufferSize,
		Now:        func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return l, logFile
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		events = append(events, e)
	}
	return events
}

func TestDefaultLoggerConfig(t *testing.T) {
	cfg := DefaultLoggerConfig()

	if cfg.BufferSize != 100 {
		t.Errorf("BufferSize = %d, want 100", cfg.BufferSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if !strings.Contains(cfg.LogFile, ".vulnsla") {
		t.Errorf("LogFile = %q, should be under .vulnsla", cfg.LogFile)
	}
}

func TestNewLogger_InvalidPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewLogger(&LoggerConfig{LogFile: filepath.Join(blocker, "audit.log")})
	if err == nil {
		t.Error("NewLogger should fail when the directory is a file")
	}
}

func TestLogger_ImportLifecycle(t *testing.T) {
	l, path := newTestLogger(t, 100)

	il := l.ForImport("imp-1", "nessus")
	il.Started(2048)
	il.RecordRejected(3, "web01", "ReportItem has no pluginID")
	il.Conflict("host:web01", "abc123", "import timestamp older than last seen")
	il.Fallback(EventSeverityFallback, 2)
	il.Fallback(EventSLAFallback, 0)
	il.TrendRecorded(map[string]interface{}{"breaches": 1})
	il.Completed(1500*time.Millisecond, map[string]interface{}{"findings": 10})

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := readEvents(t, path)
	wantTypes := []EventType{
		EventImportStarted, EventRecordRejected, EventNormalizationConflict,
		EventSeverityFallback, EventTrendRecorded, EventImportCompleted,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		e := events[i]
		if e.Type != want {
			t.Errorf("events[%d].Type = %s, want %s", i, e.Type, want)
		}
		if e.ImportID != "imp-1" || e.Source != "nessus" {
			t.Errorf("events[%d] not stamped with the import: %+v", i, e)
		}
		if !e.Timestamp.Equal(fixedNow) {
			t.Errorf("events[%d].Timestamp = %v, want %v", i, e.Timestamp, fixedNow)
		}
	}

	if events[1].Severity != SeverityWarning || events[1].Host != "web01" || events[1].Error == "" {
		t.Errorf("record_rejected = %+v", events[1])
	}
	if events[5].DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", events[5].DurationMs)
	}
}

func TestLogger_Failed(t *testing.T) {
	l, path := newTestLogger(t, 100)
	l.ForImport("imp-2", "tabular").Failed(errors.New("header has 3 columns"), time.Second)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	events := readEvents(t, path)
	if len(events) != 1 || events[0].Severity != SeverityError || events[0].Error != "header has 3 columns" {
		t.Errorf("events = %+v", events)
	}
}

func TestLogger_BufferFlush(t *testing.T) {
	l, path := newTestLogger(t, 2)
	defer l.Close()

	l.Log(Event{Type: EventImportStarted, Message: "one"})
	if got := readEvents(t, path); len(got) != 0 {
		t.Errorf("flushed early: %d events", len(got))
	}
	l.Log(Event{Type: EventImportStarted, Message: "two"})
	if got := readEvents(t, path); len(got) != 2 {
		t.Errorf("buffer full should flush, got %d events", len(got))
	}
}

func TestLogger_StartClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(&LoggerConfig{LogFile: logFile, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	l.Start()
	l.Start() // idempotent

	l.Log(Event{Type: EventImportStarted, Message: "tick"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(readEvents(t, logFile)) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(readEvents(t, logFile)); got != 1 {
		t.Errorf("background flush wrote %d events, want 1", got)
	}

	if err := l.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&LoggerConfig{
		LogFile: filepath.Join(t.TempDir(), "audit.log"),
		Console: &buf,
		Now:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	l.ForImport("imp-3", "nessus").Failed(errors.New("boom"), 0)
	out := buf.String()
	if !strings.Contains(out, "import_failed") || !strings.Contains(out, "Error: boom") {
		t.Errorf("console output = %q", out)
	}
}

func TestLogger_Nil(t *testing.T) {
	var l *Logger
	l.Start()
	l.Log(Event{Type: EventImportStarted})
	l.ForImport("x", "nessus").Started(1)
	l.SeverityRevised("v1", "low", "high", 30)
	if err := l.Flush(); err != nil {
		t.Errorf("Flush() on nil logger = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() on nil logger = %v", err)
	}
}

func TestLogger_ConcurrentLogging(t *testing.T) {
	l, path := newTestLogger(t, 7)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			il := l.ForImport("imp", "nessus")
			for j := 0; j < 10; j++ {
				il.RecordRejected(j, "host", "bad row")
			}
		}(i)
	}
	wg.Wait()

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if got := len(readEvents(t, path)); got != 100 {
		t.Errorf("wrote %d events, want 100", got)
	}
}

func TestLogger_SeverityRevised(t *testing.T) {
	l, path := newTestLogger(t, 100)
	l.SeverityRevised("v1", "medium", "critical", 15)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	events := readEvents(t, path)
	if len(events) != 1 || events[0].Type != EventSeverityRevised {
		t.Fatalf("events = %+v", events)
	}
	if got := events[0].Details["sla_target_days"]; got != float64(15) {
		t.Errorf("sla_target_days = %v, want 15", got)
	}
}
