// Package event decodes raw SOS payloads published on the feed topic.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sosnow/sosrelay/internal/geo"
)

// Unknown is substituted for optional fields the publisher left out.
const Unknown = "unknown"

var (
	// ErrMalformedPayload means the payload is not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingCoordinates means latitude or longitude is absent or not numeric.
	ErrMissingCoordinates = errors.New("missing or invalid coordinates")
)

// Event is the canonical form of one feed message.
type Event struct {
	Type       string    `json:"type"`
	UserName   string    `json:"userName"`
	UserNumber string    `json:"userNumber"`
	Location   geo.Point `json:"location"`
}

// Parse decodes payload. Unrecognised fields are ignored and missing text
// fields default to Unknown. A payload that is valid JSON but carries no usable
// coordinates yields ErrMissingCoordinates.
func Parse(payload []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrMalformedPayload)
	}

	ev := &Event{
		Type:       text(fields["type"]),
		UserName:   text(fields["userName"]),
		UserNumber: text(fields["userNumber"]),
	}

	lat, ok := number(fields["latitude"])
	if !ok {
		return ev, fmt.Errorf("%w: latitude", ErrMissingCoordinates)
	}
	lon, ok := number(fields["longitude"])
	if !ok {
		return ev, fmt.Errorf("%w: longitude", ErrMissingCoordinates)
	}
	ev.Location = geo.Point{Latitude: lat, Longitude: lon}
	if !ev.Location.Valid() {
		return ev, fmt.Errorf("%w: out of range (%v, %v)", ErrMissingCoordinates, lat, lon)
	}
	return ev, nil
}

func text(v interface{}) string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	case json.Number:
		return t.String()
	}
	return Unknown
}

// number accepts JSON numbers and numeric strings.
func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
