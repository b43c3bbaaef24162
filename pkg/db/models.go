package db

import (
	"time"

	"github.com/japaniel/carvision/pkg/vehicle"
)

// SavedCar is a bookmarked vehicle. Label is the classifier label it was
// saved under and is unique.
type SavedCar struct {
	ID       int64            `json:"id"`
	Label    string           `json:"label"`
	Identity vehicle.Identity `json:"identity"`
	Record   vehicle.Record   `json:"record"`
	PhotoKey string           `json:"photo_key,omitempty"`
	SavedAt  time.Time        `json:"saved_at"`
}

// Page is one slice of the saved-car list.
type Page struct {
	Cars    []SavedCar `json:"cars"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Total   int        `json:"total"`
}

// HasMore reports whether later pages exist.
func (p Page) HasMore() bool {
	if p.PerPage <= 0 {
		return false
	}
	return p.Page < (p.Total-1)/p.PerPage
}
