// Package audit records the token and upload lifecycle as JSON lines in
// date-organized, size-capped files.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one audit trail entry.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	Event         string    `json:"event"` // token_issued | token_rejected | upload_accepted | upload_rejected
	CorrelationID string    `json:"correlation_id,omitempty"`
	SnapshotID    string    `json:"snapshot_id,omitempty"`
	Code          string    `json:"code,omitempty"`
	SizeBytes     int       `json:"size_bytes,omitempty"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
}

// Writer appends records asynchronously. Writes never block the caller; a
// full buffer drops the record with a warning.
type Writer struct {
	baseDir   string
	maxSizeMB int

	writeCh   chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewWriter creates an audit writer rooted at baseDir.
func NewWriter(baseDir string, bufferSize, maxSizeMB int) *Writer {
	w := &Writer{
		baseDir:   baseDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Record, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Write queues a record. The timestamp is stamped here if unset.
func (w *Writer) Write(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case <-w.done:
		return fmt.Errorf("audit: writer closed")
	default:
	}
	select {
	case w.writeCh <- rec:
		return nil
	default:
		slog.Warn("audit: buffer full, dropping record", "event", rec.Event)
		return fmt.Errorf("audit: buffer full")
	}
}

// Close flushes pending records and closes the underlying file. Safe to
// call more than once.
func (w *Writer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case rec := <-w.writeCh:
				w.writeRecord(rec)
			case <-timeout:
				slog.Warn("audit: close timeout, some records may be lost")
				break drain
			default:
				break drain
			}
		}
		w.wg.Wait()

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.logger != nil {
			err = w.logger.Close()
		}
	})
	return err
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case rec := <-w.writeCh:
			w.writeRecord(rec)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("audit: marshal record failed", "event", rec.Event, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := rec.Timestamp.Format("2006-01-02")
	if date != w.currentDate || w.logger == nil {
		w.rotateForDate(date)
	}
	if w.logger == nil {
		return
	}
	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("audit: write record failed", "event", rec.Event, "error", err)
	}
}

func (w *Writer) rotateForDate(date string) {
	if w.logger != nil {
		_ = w.logger.Close()
	}

	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("audit: create directory failed", "dir", dir, "error", err)
		w.logger = nil
		return
	}

	w.logger = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "audit.jsonl"),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
}
