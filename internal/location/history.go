package location

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nearcast/presence-engine/internal/model"
)

// Appender persists durable location history. It is write-only from the
// presence subsystem's perspective; nothing on the read path touches it,
// and its failures never surface to the caller of UpdateLocation.
type Appender interface {
	Append(ctx context.Context, rec *model.HistoryRecord) error
}

// PostgresHistory appends history rows to the user_locations table.
// Coordinates are stored as NUMERIC(10,7) for exact decimal precision.
type PostgresHistory struct {
	pool *pgxpool.Pool
}

// NewPostgresHistory creates a PostgreSQL-backed history appender.
func NewPostgresHistory(pool *pgxpool.Pool) *PostgresHistory {
	return &PostgresHistory{pool: pool}
}

func (h *PostgresHistory) Append(ctx context.Context, rec *model.HistoryRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	lat := decimal.NewFromFloat(rec.Lat).Round(7)
	lon := decimal.NewFromFloat(rec.Lon).Round(7)

	_, err := h.pool.Exec(ctx,
		`INSERT INTO user_locations (id, user_id, lat, lon, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		id, rec.SubjectID, lat.String(), lon.String(), rec.CreatedAt,
	)
	return err
}

// MemoryHistory collects history records in memory. Used for testing.
type MemoryHistory struct {
	mu      sync.Mutex
	records []model.HistoryRecord
}

// NewMemoryHistory creates an in-memory history appender.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(_ context.Context, rec *model.HistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := *rec
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	h.records = append(h.records, r)
	return nil
}

// Records returns a snapshot of everything appended so far.
func (h *MemoryHistory) Records() []model.HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.HistoryRecord, len(h.records))
	copy(out, h.records)
	return out
}
