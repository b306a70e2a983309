// Package coverage holds the single authoritative coverage circle.
package coverage

import (
	"math"
	"sync"

	"github.com/sosnow/sosrelay/internal/geo"
)

// Update carries the fields a caller wants to change. Nil fields are kept.
type Update struct {
	Center   *geo.Point `json:"center,omitempty"`
	RadiusKm *float64   `json:"radius_km,omitempty"`
}

// Registry guards the current coverage circle.
type Registry struct {
	mu     sync.RWMutex
	circle geo.Circle
}

// NewRegistry returns a registry initialised with c. An invalid initial center
// falls back to (0,0) and a negative or non-finite radius to zero.
func NewRegistry(c geo.Circle) *Registry {
	if !c.Center.Valid() {
		c.Center = geo.Point{}
	}
	if !validRadius(c.RadiusKm) {
		c.RadiusKm = 0
	}
	return &Registry{circle: c}
}

// Get returns the current circle.
func (r *Registry) Get() geo.Circle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.circle
}

// Update applies u and returns the resulting circle. Each field is replaced
// only when present and well formed; malformed fields are ignored without
// affecting the others. The second result reports whether anything changed.
func (r *Registry) Update(u Update) (geo.Circle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.circle
	if u.Center != nil && u.Center.Valid() {
		next.Center = *u.Center
	}
	if u.RadiusKm != nil && validRadius(*u.RadiusKm) {
		next.RadiusKm = *u.RadiusKm
	}
	changed := next != r.circle
	r.circle = next
	return next, changed
}

func validRadius(km float64) bool {
	return !math.IsNaN(km) && !math.IsInf(km, 0) && km >= 0
}
