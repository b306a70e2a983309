// Package alert holds the active-alert model and the concurrent store that
// owns every mutation of it.
package alert

import (
	"time"

	"github.com/sosnow/sosrelay/internal/geo"
)

// Alert is one active incident. ID and Location never change after insertion.
type Alert struct {
	ID              string    `json:"id"`
	Kind            string    `json:"type"`
	ReporterName    string    `json:"userName"`
	ReporterContact string    `json:"userNumber"`
	Location        geo.Point `json:"location"`
	ReceivedAt      time.Time `json:"receivedAt"`
}
