package coverage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sosnow/sosrelay/internal/geo"
)

// ParseUpdate decodes a settings request of the form
//
//	{"center": {"latitude": 14.6, "longitude": 121.0}, "radius_km": 25}
//
// Fields are decoded independently: one that is absent or not numeric is left
// nil and does not prevent the others from applying. "radius" is accepted as
// an alias of "radius_km". Only a body that is not a JSON object is an error.
func ParseUpdate(data []byte) (Update, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return Update{}, fmt.Errorf("coverage update: body must be a JSON object")
	}

	var u Update
	raw, ok := fields["radius_km"]
	if !ok {
		raw, ok = fields["radius"]
	}
	if ok {
		if r, ok := number(raw); ok {
			u.RadiusKm = &r
		}
	}

	if raw, ok := fields["center"]; ok {
		var c map[string]json.RawMessage
		if json.Unmarshal(raw, &c) == nil {
			lat, latOK := number(c["latitude"])
			lon, lonOK := number(c["longitude"])
			if latOK && lonOK {
				u.Center = &geo.Point{Latitude: lat, Longitude: lon}
			}
		}
	}
	return u, nil
}

func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}
