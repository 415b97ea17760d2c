// Package eventlog is the secondary, append-only JSONL archive of every
// Event the core ingests (spec.md §4.B). It is a write-mostly audit trail,
// independent of the queryable eventstore: a failure here must never block
// or fail an ingestion path, so every public method only logs its own
// errors rather than returning them to callers that are on a hot path.
//
// No example repo in the pack rotates or compresses log files (no
// lumberjack-equivalent dependency appears in any _examples/*/go.mod), so
// the rotation/gzip mechanics below are hand-built on the standard library
// rather than inventing an unretrieved dependency.
package eventlog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/homecore/ingress/pkg/models"
)

// archiveRecord is the on-disk shape of one archived line (spec.md §6): it
// intentionally differs from models.Event's own JSON tags, splitting
// EventType back into capability/attribute and adding loggedAt.
type archiveRecord struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventSource   string          `json:"eventSource"`
	DeviceID      string          `json:"deviceId"`
	DeviceName    string          `json:"deviceName"`
	LocationID    string          `json:"locationId"`
	Capability    string          `json:"capability"`
	Attribute     string          `json:"attribute"`
	Value         json.RawMessage `json:"value"`
	EventTimestamp time.Time      `json:"eventTimestamp"`
	LoggedAt      time.Time       `json:"loggedAt"`
	Metadata      json.RawMessage `json:"metadata"`
}

func toArchiveRecord(e models.Event, loggedAt time.Time) archiveRecord {
	capability, attribute := e.EventType, ""
	if i := strings.IndexByte(e.EventType, '.'); i >= 0 {
		capability, attribute = e.EventType[:i], e.EventType[i+1:]
	}
	return archiveRecord{
		EventID:        e.ID,
		EventType:      e.EventType,
		EventSource:    string(e.Source),
		DeviceID:       e.DeviceID,
		DeviceName:     e.DeviceName,
		LocationID:     e.LocationID,
		Capability:     capability,
		Attribute:      attribute,
		Value:          e.Value,
		EventTimestamp: e.Timestamp,
		LoggedAt:       loggedAt,
		Metadata:       e.Metadata,
	}
}

// Logger appends one JSON line per Event to a daily file under dir, rotating
// onto a fresh file when either the day rolls over or the active file
// crosses maxSizeBytes, and gzip-compressing files it rotates away from.
type Logger struct {
	dir           string
	maxSizeBytes  int64
	compress      bool

	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	day       string
	sizeBytes int64
}

// Open prepares the archive directory and the current day's active file.
func Open(dir string, maxSizeBytes int64, compress bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: mkdir: %w", err)
	}
	l := &Logger{dir: dir, maxSizeBytes: maxSizeBytes, compress: compress}
	if err := l.openForDay(dayStamp(time.Now())); err != nil {
		return nil, err
	}
	return l, nil
}

// Append writes e as one JSON line. Errors are logged, not returned — B must
// never be the reason a webhook or polling tick fails (spec.md §4.B).
func (l *Logger) Append(e models.Event) {
	record := toArchiveRecord(e, time.Now())
	line, err := json.Marshal(record)
	if err != nil {
		slog.Error("eventlog: marshal failed", "error", err, "event_id", e.ID)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	today := dayStamp(time.Now())
	if today != l.day || (l.maxSizeBytes > 0 && l.sizeBytes >= l.maxSizeBytes) {
		if err := l.rotateLocked(today); err != nil {
			slog.Error("eventlog: rotate failed", "error", err)
			return
		}
	}

	n, err := l.writer.Write(append(line, '\n'))
	if err != nil {
		slog.Error("eventlog: write failed", "error", err, "event_id", e.ID)
		return
	}
	l.sizeBytes += int64(n)
	if err := l.writer.Flush(); err != nil {
		slog.Error("eventlog: flush failed", "error", err)
	}
}

// Close flushes and closes the active file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeActiveLocked()
}

// EvictOlderThan removes archive files (rotated and active-day siblings)
// whose modification time is older than cutoff, returning the count
// removed. Run from a ticking retention service alongside the eventstore's
// own eviction (spec.md §4.B, SPEC_FULL.md's retention sweep).
func (l *Logger) EvictOlderThan(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("eventlog: readdir: %w", err)
	}

	l.mu.Lock()
	activeName := ""
	if l.file != nil {
		activeName = filepath.Base(l.file.Name())
	}
	l.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == activeName {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
				slog.Warn("eventlog: evict failed", "file", entry.Name(), "error", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

func (l *Logger) openForDay(day string) error {
	path := filepath.Join(l.dir, fmt.Sprintf("events-%s.log", day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("eventlog: stat %s: %w", path, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.day = day
	l.sizeBytes = info.Size()
	return nil
}

func (l *Logger) rotateLocked(newDay string) error {
	oldPath := ""
	if l.file != nil {
		oldPath = l.file.Name()
	}
	if err := l.closeActiveLocked(); err != nil {
		return err
	}

	suffix := ""
	if oldPath != "" && (newDay == l.day) {
		// Same-day size-triggered rotation: disambiguate with a sequence
		// suffix so the next Append doesn't reopen the just-rotated file.
		suffix = "." + time.Now().UTC().Format("150405")
	}
	if oldPath != "" && suffix != "" {
		rotated := strings.TrimSuffix(oldPath, ".log") + suffix + ".log"
		if err := os.Rename(oldPath, rotated); err != nil {
			return fmt.Errorf("eventlog: rename: %w", err)
		}
		oldPath = rotated
	}
	if oldPath != "" && l.compress {
		go compressFile(oldPath)
	}

	return l.openForDay(newDay)
}

func (l *Logger) closeActiveLocked() error {
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			return fmt.Errorf("eventlog: flush: %w", err)
		}
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("eventlog: close: %w", err)
		}
		l.file = nil
		l.writer = nil
	}
	return nil
}

func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		slog.Warn("eventlog: compress open failed", "file", path, "error", err)
		return
	}
	defer src.Close()

	dstPath := path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		slog.Warn("eventlog: compress create failed", "file", dstPath, "error", err)
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		slog.Warn("eventlog: compress copy failed", "file", path, "error", err)
		return
	}
	if err := gz.Close(); err != nil {
		slog.Warn("eventlog: compress finalize failed", "file", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("eventlog: compress cleanup failed", "file", path, "error", err)
	}
}

func dayStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// listArchiveFiles returns archive file names in dir sorted oldest-first,
// used by tests to assert rotation/compression outcomes.
func listArchiveFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
