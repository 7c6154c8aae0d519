package presence

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nearcast/presence-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// Redis-less development. It reproduces the layout asymmetry of the Redis
// store: the latest-position record carries a TTL, the index entry does not.
type MemoryStore struct {
	mu     sync.RWMutex
	index  map[string]coord        // geospatial index, no expiry
	latest map[string]*latestEntry // latest-position record, 24h TTL
}

type coord struct {
	lat, lon float64
}

type latestEntry struct {
	coord
	observedAt time.Time
	expiresAt  time.Time
}

// NewMemoryStore creates a new in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index:  make(map[string]coord),
		latest: make(map[string]*latestEntry),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, subjectID string, lat, lon float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index[subjectID] = coord{lat: lat, lon: lon}
	s.latest[subjectID] = &latestEntry{
		coord:      coord{lat: lat, lon: lon},
		observedAt: now.UTC(),
		expiresAt:  now.Add(LatestTTL),
	}
	return nil
}

func (s *MemoryStore) GetLatest(_ context.Context, subjectID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.latest[subjectID]; ok && time.Now().Before(e.expiresAt) {
		return &model.Position{
			SubjectID:  subjectID,
			Lat:        e.lat,
			Lon:        e.lon,
			ObservedAt: e.observedAt,
		}, nil
	}
	if c, ok := s.index[subjectID]; ok {
		return &model.Position{SubjectID: subjectID, Lat: c.lat, Lon: c.lon}, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindWithinRadius(_ context.Context, lat, lon, radiusKm float64, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for id, c := range s.index {
		d := distanceKm(lat, lon, c.lat, c.lon)
		if d <= radiusKm {
			hits = append(hits, hit{id: id, dist: d})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

func (s *MemoryStore) Enrich(_ context.Context, subjectIDs []string) (map[string]model.PartialPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make(map[string]model.PartialPosition, len(subjectIDs))
	for _, id := range subjectIDs {
		if e, ok := s.latest[id]; ok && now.Before(e.expiresAt) {
			out[id] = model.PartialPosition{
				SubjectID:  id,
				Lat:        e.lat,
				Lon:        e.lon,
				HasCoords:  true,
				ObservedAt: e.observedAt,
			}
		} else {
			out[id] = model.PartialPosition{SubjectID: id}
		}
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.index, subjectID)
	delete(s.latest, subjectID)
	return nil
}

// ExpireLatest drops the latest-position record while leaving the index
// entry in place, the state a subject reaches after 24h of silence.
func (s *MemoryStore) ExpireLatest(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, subjectID)
}

const earthRadiusKm = 6371.0

// distanceKm computes the great-circle distance between two points using
// the spherical law of cosines. Adequate for radius membership; geodesic
// precision is out of scope.
func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	p1 := lat1 * math.Pi / 180
	p2 := lat2 * math.Pi / 180
	dl := (lon2 - lon1) * math.Pi / 180

	c := math.Sin(p1)*math.Sin(p2) + math.Cos(p1)*math.Cos(p2)*math.Cos(dl)
	// Clamp against floating-point drift before Acos.
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c) * earthRadiusKm
}
