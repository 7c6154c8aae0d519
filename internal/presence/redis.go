package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nearcast/presence-engine/internal/model"
)

// RedisStore implements Store on a shared Redis instance. Positions live
// under two key families: a geospatial sorted set (GEOADD/GEOSEARCH) keyed
// by indexKey, and one latest-position hash per subject with a rolling TTL.
//
// The dual write is best-effort atomic: both mutations travel in one
// MULTI/EXEC round trip, but there is no cross-command transaction if Redis
// fails mid-pipeline. Acceptable for a presence cache; last writer wins.
type RedisStore struct {
	rdb      *redis.Client
	indexKey string
}

// NewRedisStore creates a Redis-backed presence store. indexKey names the
// geospatial index; pass "" for the default "geo:subjects:latest".
func NewRedisStore(rdb *redis.Client, indexKey string) *RedisStore {
	if indexKey == "" {
		indexKey = "geo:subjects:latest"
	}
	return &RedisStore{rdb: rdb, indexKey: indexKey}
}

func (s *RedisStore) Upsert(ctx context.Context, subjectID string, lat, lon float64, now time.Time) error {
	key := latestKey(subjectID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// GEO commands take (lon, lat) order.
		pipe.GeoAdd(ctx, s.indexKey, &redis.GeoLocation{
			Name:      subjectID,
			Longitude: lon,
			Latitude:  lat,
		})
		pipe.HSet(ctx, key, map[string]interface{}{
			"lat": strconv.FormatFloat(lat, 'f', -1, 64),
			"lon": strconv.FormatFloat(lon, 'f', -1, 64),
			"ts":  now.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, LatestTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: upsert %s: %w", subjectID, err)
	}
	return nil
}

func (s *RedisStore) GetLatest(ctx context.Context, subjectID string) (*model.Position, error) {
	h, err := s.rdb.HGetAll(ctx, latestKey(subjectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get latest %s: %w", subjectID, err)
	}
	if p, ok := positionFromHash(subjectID, h); ok {
		return p, nil
	}

	// Record expired but the index entry may still be there: reconstruct a
	// best-effort answer with an empty timestamp.
	pos, err := s.rdb.GeoPos(ctx, s.indexKey, subjectID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: geopos %s: %w", subjectID, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, ErrNotFound
	}
	return &model.Position{
		SubjectID: subjectID,
		Lat:       pos[0].Latitude,
		Lon:       pos[0].Longitude,
	}, nil
}

func (s *RedisStore) FindWithinRadius(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]string, error) {
	members, err := s.rdb.GeoSearch(ctx, s.indexKey, &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: geosearch: %w", err)
	}
	return members, nil
}

func (s *RedisStore) Enrich(ctx context.Context, subjectIDs []string) (map[string]model.PartialPosition, error) {
	if len(subjectIDs) == 0 {
		return map[string]model.PartialPosition{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(subjectIDs))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range subjectIDs {
			cmds[i] = pipe.HGetAll(ctx, latestKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence: enrich batch: %w", err)
	}

	out := make(map[string]model.PartialPosition, len(subjectIDs))
	for i, id := range subjectIDs {
		h, _ := cmds[i].Result()
		out[id] = partialFromHash(id, h)
	}
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, subjectID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.indexKey, subjectID)
		pipe.Del(ctx, latestKey(subjectID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence: remove %s: %w", subjectID, err)
	}
	return nil
}

// --- Hash decoding ---

func positionFromHash(subjectID string, h map[string]string) (*model.Position, bool) {
	if len(h) == 0 || h["lat"] == "" || h["lon"] == "" {
		return nil, false
	}
	lat, errLat := strconv.ParseFloat(h["lat"], 64)
	lon, errLon := strconv.ParseFloat(h["lon"], 64)
	if errLat != nil || errLon != nil {
		return nil, false
	}
	p := &model.Position{SubjectID: subjectID, Lat: lat, Lon: lon}
	if ts, err := time.Parse(time.RFC3339Nano, h["ts"]); err == nil {
		p.ObservedAt = ts
	}
	return p, true
}

func partialFromHash(subjectID string, h map[string]string) model.PartialPosition {
	p, ok := positionFromHash(subjectID, h)
	if !ok {
		return model.PartialPosition{SubjectID: subjectID}
	}
	return model.PartialPosition{
		SubjectID:  subjectID,
		Lat:        p.Lat,
		Lon:        p.Lon,
		HasCoords:  true,
		ObservedAt: p.ObservedAt,
	}
}

func latestKey(subjectID string) string { return fmt.Sprintf("subject:last:%s", subjectID) }
