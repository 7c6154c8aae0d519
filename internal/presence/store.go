// Package presence owns the physical layout of the latest-position index.
// Implementations include Redis (geospatial index + per-subject hash) and
// in-memory (for testing and Redis-less development).
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/nearcast/presence-engine/internal/model"
)

// ErrNotFound reports that a subject has no known position. It is a valid
// empty result, not an infrastructure failure.
var ErrNotFound = errors.New("presence: subject not found")

// LatestTTL is the rolling expiration on the latest-position record. The
// geospatial index entry deliberately has no TTL, so a subject whose record
// has aged out can still appear in radius results with unknown coordinates.
const LatestTTL = 24 * time.Hour

// Store is the presence persistence interface. Callers are responsible for
// coordinate range validation; the store only owns layout and retrieval.
type Store interface {
	// Upsert writes the geospatial index entry and the latest-position
	// record together in one logical round trip.
	Upsert(ctx context.Context, subjectID string, lat, lon float64, now time.Time) error

	// GetLatest returns the latest position, preferring the fast record and
	// falling back to index coordinates (empty timestamp) when the record
	// has expired. Returns ErrNotFound when neither exists.
	GetLatest(ctx context.Context, subjectID string) (*model.Position, error)

	// FindWithinRadius returns subject IDs within radiusKm of the point,
	// ascending by distance, capped at limit. The boundary is inclusive.
	FindWithinRadius(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]string, error)

	// Enrich resolves latest-position records for a batch of subjects in a
	// single round trip. Subjects without a record map to a PartialPosition
	// with HasCoords=false rather than failing the batch.
	Enrich(ctx context.Context, subjectIDs []string) (map[string]model.PartialPosition, error)

	// Remove deletes both the index entry and the latest-position record.
	Remove(ctx context.Context, subjectID string) error
}
