package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{"timestamp", "event", "alert_id", "type", "user_name", "user_number", "latitude", "longitude"}

// CSVSink appends one delimited row per record.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
}

// OpenCSV opens (or creates) path for appending. A header row is written
// when the file is empty.
func OpenCSV(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat audit log %s: %w", path, err)
	}
	s := NewCSVSink(f, info.Size() == 0)
	s.closer = f
	if err := s.flush(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// NewCSVSink writes rows to w, optionally starting with a header row.
func NewCSVSink(w io.Writer, header bool) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w)}
	if header {
		_ = s.w.Write(csvHeader)
	}
	return s
}

func (s *CSVSink) Record(_ context.Context, r Record) error {
	row := []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		string(r.Event),
		r.AlertID,
		r.Kind,
		r.ReporterName,
		r.ReporterContact,
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("audit csv write: %w", err)
	}
	return s.flushLocked()
}

func (s *CSVSink) Close() error {
	err := s.flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *CSVSink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *CSVSink) flushLocked() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("audit csv flush: %w", err)
	}
	return nil
}
