// Package audit records alert lifecycle transitions to append-only sinks.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/sosnow/sosrelay/internal/alert"
)

// EventType names a lifecycle transition.
type EventType string

const (
	Received     EventType = "received"
	Acknowledged EventType = "acknowledged"
	Expired      EventType = "expired"
)

// Record is one immutable audit entry.
type Record struct {
	Timestamp       time.Time `json:"timestamp"`
	Event           EventType `json:"event"`
	AlertID         string    `json:"alertId"`
	Kind            string    `json:"type"`
	ReporterName    string    `json:"userName"`
	ReporterContact string    `json:"userNumber"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
}

// NewRecord builds the record for transition ev of a at time ts.
func NewRecord(ev EventType, a alert.Alert, ts time.Time) Record {
	return Record{
		Timestamp:       ts,
		Event:           ev,
		AlertID:         a.ID,
		Kind:            a.Kind,
		ReporterName:    a.ReporterName,
		ReporterContact: a.ReporterContact,
		Latitude:        a.Location.Latitude,
		Longitude:       a.Location.Longitude,
	}
}

// Sink appends records. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, r Record) error
	Close() error
}

// Multi writes every record to each sink in turn.
type Multi []Sink

func (m Multi) Record(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) error { return nil }
func (Discard) Close() error                         { return nil }
