package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "mochigami/backend/pkg/errors"
)

// Record is the liveness record read by external tooling
type Record struct {
	Running            bool    `json:"running"`
	LastCheckTimestamp float64 `json:"lastCheckTimestamp"`
	IntervalSeconds    int     `json:"intervalSeconds"`
}

// Writer persists the latest Record to a file, replacing it atomically
type Writer struct {
	path     string
	interval time.Duration

	mu   sync.Mutex
	last Record
}

// NewWriter creates a writer for path; interval is the monitor tick period
func NewWriter(path string, interval time.Duration) *Writer {
	return &Writer{path: path, interval: interval}
}

// Mark records a monitor tick at now
func (w *Writer) Mark(now time.Time) error {
	return w.write(Record{
		Running:            true,
		LastCheckTimestamp: float64(now.UnixNano()) / float64(time.Second),
		IntervalSeconds:    int(w.interval / time.Second),
	})
}

// Shutdown records that the monitor is no longer running
func (w *Writer) Shutdown(now time.Time) error {
	return w.write(Record{
		Running:            false,
		LastCheckTimestamp: float64(now.UnixNano()) / float64(time.Second),
		IntervalSeconds:    int(w.interval / time.Second),
	})
}

// Last returns the most recently written record
func (w *Writer) Last() Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Writer) write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = rec

	if w.path == "" {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.NewResourceFailed("status file", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".status-*.tmp")
	if err != nil {
		return apperrors.NewResourceFailed("status file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.NewResourceFailed("status file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.NewResourceFailed("status file", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return apperrors.NewResourceFailed("status file", err)
	}
	return nil
}
