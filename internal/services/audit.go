package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

type Category string

const (
	CategoryInfo     Category = "info"
	CategoryWarn     Category = "warn"
	CategoryError    Category = "error"
	CategorySecurity Category = "security"
	CategoryMining   Category = "mining"
)

var Categories = []Category{CategoryInfo, CategoryWarn, CategoryError, CategorySecurity, CategoryMining}

const auditRetentionDays = 14

type Fields map[string]any

// AuditSink receives fire-and-forget activity entries.
type AuditSink interface {
	Log(category Category, message string, data Fields)
}

type AuditEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Data      Fields `json:"data,omitempty"`
	WorkerID  string `json:"workerId"`
}

type auditEvent struct {
	category Category
	entry    AuditEntry
}

// AuditLogger is an append-only, per-category JSON-lines logger. Entries are queued and
// written by a single goroutine; Log never blocks on disk.
type AuditLogger struct {
	workerID string
	clock    Clock

	queue    chan auditEvent
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	closing  atomic.Bool
	dropped  atomic.Int64

	writerMu sync.RWMutex
	writers  map[Category]io.Writer
	stdout   io.Writer
}

// NewAuditLogger writes <dir>/<category>-YYYY-MM-DD.log. An empty dir discards file output.
func NewAuditLogger(workerID, dir string, stdout bool, clock Clock) *AuditLogger {
	if clock == nil {
		clock = SystemClock{}
	}
	writers := make(map[Category]io.Writer, len(Categories))
	for _, c := range Categories {
		if dir == "" {
			writers[c] = io.Discard
			continue
		}
		writers[c] = newDailyRollingFileWriter(filepath.Join(dir, string(c)+".log"), clock)
	}

	var mirror io.Writer
	if stdout {
		mirror = os.Stdout
	}
	return NewAuditLoggerWithWriters(workerID, writers, mirror, clock)
}

func NewAuditLoggerWithWriters(workerID string, writers map[Category]io.Writer, stdout io.Writer, clock Clock) *AuditLogger {
	if clock == nil {
		clock = SystemClock{}
	}
	l := &AuditLogger{
		workerID: workerID,
		clock:    clock,
		queue:    make(chan auditEvent, 4096),
		done:     make(chan struct{}),
		writers:  writers,
		stdout:   stdout,
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *AuditLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case evt := <-l.queue:
			l.write(evt)
		case <-l.done:
			for {
				select {
				case evt := <-l.queue:
					l.write(evt)
				default:
					return
				}
			}
		}
	}
}

func (l *AuditLogger) Log(category Category, message string, data Fields) {
	if l.closing.Load() {
		return
	}
	evt := auditEvent{
		category: category,
		entry: AuditEntry{
			Timestamp: l.clock.Now().UTC().Format(time.RFC3339Nano),
			Level:     string(category),
			Message:   message,
			Data:      data,
			WorkerID:  l.workerID,
		},
	}
	select {
	case l.queue <- evt:
	case <-l.done:
	default:
		l.dropped.Add(1)
	}
}

func (l *AuditLogger) Info(message string, data Fields)  { l.Log(CategoryInfo, message, data) }
func (l *AuditLogger) Warn(message string, data Fields)  { l.Log(CategoryWarn, message, data) }
func (l *AuditLogger) Error(message string, data Fields) { l.Log(CategoryError, message, data) }

// Dropped reports entries discarded because the queue was full.
func (l *AuditLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Stop drains the queue and closes every sink.
func (l *AuditLogger) Stop() {
	l.stopOnce.Do(func() {
		l.closing.Store(true)
		close(l.done)
		l.wg.Wait()

		l.writerMu.Lock()
		for c, w := range l.writers {
			closeWriter(w)
			l.writers[c] = io.Discard
		}
		l.writerMu.Unlock()
	})
}

func closeWriter(w io.Writer) {
	if closer, ok := w.(io.Closer); ok {
		_ = closer.Close()
	}
}

func (l *AuditLogger) write(evt auditEvent) {
	line, err := sonic.Marshal(evt.entry)
	if err != nil {
		line, _ = sonic.Marshal(AuditEntry{
			Timestamp: evt.entry.Timestamp,
			Level:     evt.entry.Level,
			Message:   evt.entry.Message,
			Data:      Fields{"encodeError": err.Error()},
			WorkerID:  evt.entry.WorkerID,
		})
	}
	line = append(line, '\n')

	l.writerMu.RLock()
	w := l.writers[evt.category]
	stdout := l.stdout
	l.writerMu.RUnlock()

	if w != nil {
		_, _ = w.Write(line)
	}
	if stdout != nil {
		_, _ = stdout.Write(line)
	}
}

func newDailyRollingFileWriter(path string, clock Clock) io.Writer {
	if path == "" {
		return io.Discard
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return &dailyRollingFileWriter{
		dir:   filepath.Dir(path),
		name:  strings.TrimSuffix(base, ext),
		ext:   ext,
		clock: clock,
	}
}

type dailyRollingFileWriter struct {
	dir         string
	name        string
	ext         string
	clock       Clock
	mu          sync.Mutex
	f           *os.File
	currentDate string
}

func (w *dailyRollingFileWriter) ensureFile(now time.Time) error {
	date := now.UTC().Format("2006-01-02")
	if w.f != nil && w.currentDate == date {
		return nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	target := filepath.Join(w.dir, fmt.Sprintf("%s-%s%s", w.name, date, w.ext))
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.currentDate = date
	w.cleanupOldLogs(now)
	return nil
}

func (w *dailyRollingFileWriter) cleanupOldLogs(now time.Time) {
	cutoff := now.UTC().AddDate(0, 0, -(auditRetentionDays - 1))
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	prefix := w.name + "-"
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, w.ext) {
			continue
		}
		dateStr := name[len(prefix) : len(name)-len(w.ext)]
		ts, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			_ = os.Remove(filepath.Join(w.dir, name))
		}
	}
}

func (w *dailyRollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureFile(w.clock.Now()); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

func (w *dailyRollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
