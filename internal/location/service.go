// Package location provides the HTTP handlers and business logic for the
// presence subsystem: validated position updates (dual-write + optional
// durable history + realtime push) and nearby/radius queries.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nearcast/presence-engine/internal/auth"
	"github.com/nearcast/presence-engine/internal/metrics"
	"github.com/nearcast/presence-engine/internal/model"
	"github.com/nearcast/presence-engine/internal/presence"
)

const (
	defaultRadiusKm = 5.0
	defaultLimit    = 100
	maxLimit        = 500
)

// ValidationError reports user-correctable bad parameters. It maps to 400
// at the HTTP boundary and is always raised before any store mutation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var errInvalidCoordinates = &ValidationError{Msg: "Invalid coordinates"}

// Publisher pushes a position update to live subscribers. Delivery is
// best-effort and must never block or fail the write path.
type Publisher interface {
	Publish(subjectID string, payload interface{})
}

// Service orchestrates position updates and nearby queries. The presence
// store is the only required collaborator; history and publisher are
// optional and their failures are isolated from the client-visible result.
type Service struct {
	store     presence.Store
	history   Appender  // optional durable history
	publisher Publisher // optional realtime fan-out
}

// NewService creates a location service. Pass nil for history or publisher
// to disable the corresponding side effect.
func NewService(store presence.Store, history Appender, publisher Publisher) *Service {
	return &Service{store: store, history: history, publisher: publisher}
}

// --- Core operations ---

// UpdateLocation validates and applies a position update. The presence
// upsert is the primary write; history append and realtime push are
// secondary effects whose failures are logged and swallowed.
func (s *Service) UpdateLocation(ctx context.Context, subjectID string, lat, lon float64) error {
	if !validCoordinates(lat, lon) {
		return errInvalidCoordinates
	}

	now := time.Now().UTC()
	if err := s.store.Upsert(ctx, subjectID, lat, lon, now); err != nil {
		return err
	}
	metrics.LocationUpdatesTotal.Inc()

	if s.history != nil {
		rec := &model.HistoryRecord{SubjectID: subjectID, Lat: lat, Lon: lon, CreatedAt: now}
		if err := s.history.Append(ctx, rec); err != nil {
			slog.Warn("history append failed", "subject", subjectID, "err", err)
			metrics.HistoryAppendFailures.Inc()
		}
	}

	if s.publisher != nil {
		s.publisher.Publish(subjectID, positionBody(&model.Position{
			SubjectID:  subjectID,
			Lat:        lat,
			Lon:        lon,
			ObservedAt: now,
		}))
	}
	return nil
}

// GetLatest returns the latest known position for a subject.
func (s *Service) GetLatest(ctx context.Context, subjectID string) (*model.Position, error) {
	return s.store.GetLatest(ctx, subjectID)
}

// NearbyEntry is one enriched result of a nearby query. Lat/Lon are nil
// when the subject's latest-position record has expired out from under its
// index entry.
type NearbyEntry struct {
	SubjectID string   `json:"userId"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Ts        string   `json:"ts"`
}

// FindNearby runs a radius search followed by a single batched enrichment.
// Subjects whose enrichment is missing are returned with unknown
// coordinates rather than dropped, so len(results) always equals the
// number of index hits.
func (s *Service) FindNearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]NearbyEntry, error) {
	if !finite(lat) || !finite(lon) || !finite(radiusKm) {
		return nil, &ValidationError{Msg: "lat/lon required"}
	}
	if limit < 1 {
		limit = 1
	} else if limit > maxLimit {
		limit = maxLimit
	}

	ids, err := s.store.FindWithinRadius(ctx, lat, lon, radiusKm, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []NearbyEntry{}, nil
	}

	enriched, err := s.store.Enrich(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]NearbyEntry, 0, len(ids))
	for _, id := range ids {
		e := NearbyEntry{SubjectID: id}
		if p, ok := enriched[id]; ok && p.HasCoords {
			plat, plon := p.Lat, p.Lon
			e.Lat, e.Lon = &plat, &plon
			if !p.ObservedAt.IsZero() {
				e.Ts = p.ObservedAt.Format(time.RFC3339Nano)
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// GoOffline removes the subject from both the index and the latest record.
func (s *Service) GoOffline(ctx context.Context, subjectID string) error {
	return s.store.Remove(ctx, subjectID)
}

// --- HTTP handlers ---

type updateLocationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// HandleUpdateLocation handles POST /api/v1/users/me/location
func (s *Service) HandleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req updateLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Lat == nil || req.Lon == nil {
		writeError(w, "Invalid body data", http.StatusBadRequest)
		return
	}

	if err := s.UpdateLocation(r.Context(), principal.ID, *req.Lat, *req.Lon); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, verr.Msg, http.StatusBadRequest)
			return
		}
		slog.Error("location update failed", "subject", principal.ID, "err", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "User location updated successfully"})
}

// HandleGetLatest handles GET /api/v1/users/me/location/latest
func (s *Service) HandleGetLatest(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	p, err := s.GetLatest(r.Context(), principal.ID)
	if err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			writeError(w, "Not found", http.StatusNotFound)
			return
		}
		slog.Error("latest lookup failed", "subject", principal.ID, "err", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, positionBody(p))
}

// HandleFindNearby handles GET /api/v1/users/nearby?lat=..&lon=..&radiusKm=..&count=..
func (s *Service) HandleFindNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, "Invalid query data", http.StatusBadRequest)
		return
	}

	radiusKm := defaultRadiusKm
	if v := q.Get("radiusKm"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, "Invalid query data", http.StatusBadRequest)
			return
		}
		radiusKm = parsed
	}

	limit := defaultLimit
	if v := q.Get("count"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "Invalid query data", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	start := time.Now()
	results, err := s.FindNearby(r.Context(), lat, lon, radiusKm, limit)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeError(w, verr.Msg, http.StatusBadRequest)
			return
		}
		slog.Error("nearby query failed", "err", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	metrics.NearbyQueryDuration.Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(results),
		"results": results,
	})
}

// HandleGoOffline handles DELETE /api/v1/users/me/location
func (s *Service) HandleGoOffline(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.GoOffline(r.Context(), principal.ID); err != nil {
		slog.Error("go offline failed", "subject", principal.ID, "err", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "User location removed"})
}

// --- Helpers ---

// positionBody shapes a Position for the wire; a zero ObservedAt (index
// fallback) serializes as an empty ts, not the zero time.
func positionBody(p *model.Position) map[string]interface{} {
	ts := ""
	if !p.ObservedAt.IsZero() {
		ts = p.ObservedAt.Format(time.RFC3339Nano)
	}
	return map[string]interface{}{
		"userId": p.SubjectID,
		"lat":    p.Lat,
		"lon":    p.Lon,
		"ts":     ts,
	}
}

func validCoordinates(lat, lon float64) bool {
	return finite(lat) && finite(lon) && math.Abs(lat) <= 90 && math.Abs(lon) <= 180
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
