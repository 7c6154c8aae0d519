// Package model defines the core domain types shared across the presence
// engine. Coordinates are WGS84 decimal degrees carried as float64; the
// durable history path converts to fixed-precision decimals at its boundary.
package model

import "time"

// Position is the latest known position of a subject. Exactly one exists
// per subject at any time; it is overwritten, never appended.
type Position struct {
	SubjectID  string    `json:"userId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	ObservedAt time.Time `json:"ts"`
}

// PartialPosition is a best-effort position used in nearby results.
// HasCoords is false when the latest-position record has expired (or batch
// enrichment found nothing) while the subject is still present in the
// geospatial index.
type PartialPosition struct {
	SubjectID  string
	Lat        float64
	Lon        float64
	HasCoords  bool
	ObservedAt time.Time
}

// HistoryRecord is one append-only row of durable location history.
// Write-only from the presence subsystem's perspective.
type HistoryRecord struct {
	ID        string
	SubjectID string
	Lat       float64
	Lon       float64
	CreatedAt time.Time
}

// Principal is the verified identity attached to each request by the
// authentication boundary before the core subsystem runs.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
