package location_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nearcast/presence-engine/internal/auth"
	"github.com/nearcast/presence-engine/internal/location"
	"github.com/nearcast/presence-engine/internal/model"
	"github.com/nearcast/presence-engine/internal/presence"
)

type testEnv struct {
	svc     *location.Service
	store   *presence.MemoryStore
	history *location.MemoryHistory
	router  chi.Router
	token   string
}

// newTestEnv builds a Service on in-memory collaborators behind the real
// auth middleware, authenticated as subject "u1".
func newTestEnv(t *testing.T, publisher location.Publisher) *testEnv {
	t.Helper()

	verifier := auth.NewVerifier([]byte("test-secret"))
	token, err := verifier.Sign(&model.Principal{ID: "u1", Username: "alice"}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	store := presence.NewMemoryStore()
	history := location.NewMemoryHistory()
	svc := location.NewService(store, history, publisher)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		r.Post("/api/v1/users/me/location", svc.HandleUpdateLocation)
		r.Get("/api/v1/users/me/location/latest", svc.HandleGetLatest)
		r.Delete("/api/v1/users/me/location", svc.HandleGoOffline)
		r.Get("/api/v1/users/nearby", svc.HandleFindNearby)
	})

	return &testEnv{svc: svc, store: store, history: history, router: r, token: token}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type nearbyResponse struct {
	Count   int `json:"count"`
	Results []struct {
		UserID string   `json:"userId"`
		Lat    *float64 `json:"lat"`
		Lon    *float64 `json:"lon"`
		Ts     string   `json:"ts"`
	} `json:"results"`
}

func TestUpdateThenGetLatest(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": 13.7367, "lon": 100.5231})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/users/me/location/latest", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var got struct {
		UserID string  `json:"userId"`
		Lat    float64 `json:"lat"`
		Lon    float64 `json:"lon"`
		Ts     string  `json:"ts"`
	}
	json.Unmarshal(w.Body.Bytes(), &got)

	if got.UserID != "u1" {
		t.Errorf("userId = %q, want u1", got.UserID)
	}
	if math.Abs(got.Lat-13.7367) > 1e-9 || math.Abs(got.Lon-100.5231) > 1e-9 {
		t.Errorf("got (%v, %v), want (13.7367, 100.5231)", got.Lat, got.Lon)
	}
	if got.Ts == "" {
		t.Error("expected non-empty timestamp")
	}
}

func TestGetLatestNeverReported(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "GET", "/api/v1/users/me/location/latest", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUpdateRejectsOutOfRangeCoordinates(t *testing.T) {
	env := newTestEnv(t, nil)

	// Seed a valid position, then check that failed updates leave it alone.
	if w := env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": 10, "lon": 20}); w.Code != http.StatusOK {
		t.Fatalf("seed update failed: %d", w.Code)
	}

	cases := []struct {
		name     string
		lat, lon float64
	}{
		{"lat too high", 91, 0},
		{"lat too low", -91, 0},
		{"lon too high", 0, 200},
		{"lon too low", 0, -181},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": tc.lat, "lon": tc.lon})
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	p, err := env.store.GetLatest(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if p.Lat != 10 || p.Lon != 20 {
		t.Errorf("rejected updates must not mutate the store, got (%v, %v)", p.Lat, p.Lon)
	}
}

func TestUpdateRejectsNonFiniteCoordinates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, lat := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		err := env.svc.UpdateLocation(ctx, "u1", lat, 0)
		var verr *location.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("lat=%v: expected ValidationError, got %v", lat, err)
		}
	}

	if _, err := env.store.GetLatest(ctx, "u1"); !errors.Is(err, presence.ErrNotFound) {
		t.Error("invalid updates must not reach the store")
	}
}

func TestUpdateRejectsMissingBodyFields(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": 10})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing lon, got %d", w.Code)
	}
}

func TestNearbyCountInvariantAndLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		env.store.Upsert(ctx, id, 0, float64(i)*0.001, time.Now())
	}

	w := env.do(t, "GET", "/api/v1/users/nearby?lat=0&lon=0&radiusKm=10&count=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp nearbyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Results) > 3 {
		t.Errorf("limit not honored: %d results", len(resp.Results))
	}
	if resp.Count != len(resp.Results) {
		t.Errorf("count (%d) != len(results) (%d)", resp.Count, len(resp.Results))
	}
}

func TestNearbyClampsCount(t *testing.T) {
	env := newTestEnv(t, nil)

	// count beyond the cap must clamp, not fail.
	w := env.do(t, "GET", "/api/v1/users/nearby?lat=0&lon=0&count=10000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/users/nearby?lat=0&lon=0&count=-5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for clamped-low count, got %d", w.Code)
	}
}

func TestNearbyRejectsBadQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, target := range []string{
		"/api/v1/users/nearby",
		"/api/v1/users/nearby?lat=abc&lon=0",
		"/api/v1/users/nearby?lat=0&lon=0&radiusKm=abc",
		"/api/v1/users/nearby?lat=0&lon=0&count=abc",
	} {
		if w := env.do(t, "GET", target, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

func TestNearbyScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	if w := env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": 13.7367, "lon": 100.5231}); w.Code != http.StatusOK {
		t.Fatalf("update failed: %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/users/nearby?lat=13.7368&lon=100.5232&radiusKm=1&count=10", nil)
	var near nearbyResponse
	json.Unmarshal(w.Body.Bytes(), &near)
	if !containsSubject(near, "u1") {
		t.Errorf("u1 should be within 1km of the query point: %+v", near)
	}

	w = env.do(t, "GET", "/api/v1/users/nearby?lat=14.0&lon=101.0&radiusKm=1&count=10", nil)
	var far nearbyResponse
	json.Unmarshal(w.Body.Bytes(), &far)
	if containsSubject(far, "u1") {
		t.Errorf("u1 should not be within 1km of a point ~60km away: %+v", far)
	}
}

func containsSubject(resp nearbyResponse, id string) bool {
	for _, r := range resp.Results {
		if r.UserID == id {
			return true
		}
	}
	return false
}

func TestNearbyKeepsUnenrichableSubjects(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.store.Upsert(ctx, "stale", 0, 0, time.Now())
	env.store.ExpireLatest("stale")

	w := env.do(t, "GET", "/api/v1/users/nearby?lat=0&lon=0&radiusKm=5&count=10", nil)
	var resp nearbyResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Count != 1 || len(resp.Results) != 1 {
		t.Fatalf("stale subject must still be counted: %+v", resp)
	}
	r := resp.Results[0]
	if r.UserID != "stale" {
		t.Fatalf("unexpected subject %q", r.UserID)
	}
	if r.Lat != nil || r.Lon != nil {
		t.Error("expired record should surface as unknown coordinates")
	}
	if r.Ts != "" {
		t.Error("expired record should surface an empty timestamp")
	}
}

// failingAppender always errors, to prove history failures are swallowed.
type failingAppender struct{}

func (failingAppender) Append(context.Context, *model.HistoryRecord) error {
	return errors.New("history database down")
}

func TestHistoryFailureDoesNotFailUpdate(t *testing.T) {
	verifier := auth.NewVerifier([]byte("test-secret"))
	token, _ := verifier.Sign(&model.Principal{ID: "u1"}, time.Hour)

	svc := location.NewService(presence.NewMemoryStore(), failingAppender{}, nil)
	r := chi.NewRouter()
	r.With(verifier.Middleware).Post("/api/v1/users/me/location", svc.HandleUpdateLocation)

	body := bytes.NewBufferString(`{"lat":1,"lon":2}`)
	req := httptest.NewRequest("POST", "/api/v1/users/me/location", body)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("history failure must not surface, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHistoryAppendedOnUpdate(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": 1.5, "lon": 2.5})

	recs := env.history.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(recs))
	}
	if recs[0].SubjectID != "u1" || recs[0].Lat != 1.5 || recs[0].Lon != 2.5 {
		t.Errorf("unexpected history record: %+v", recs[0])
	}
	if recs[0].ID == "" || recs[0].CreatedAt.IsZero() {
		t.Error("history record should carry an id and timestamp")
	}
}

// recordingPublisher captures pushes for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	pushes []string
}

func (p *recordingPublisher) Publish(subjectID string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, subjectID)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

func TestUpdateTriggersPush(t *testing.T) {
	pub := &recordingPublisher{}
	env := newTestEnv(t, pub)
	ctx := context.Background()

	if err := env.svc.UpdateLocation(ctx, "u1", 1, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	if pub.count() != 1 {
		t.Errorf("expected 1 push, got %d", pub.count())
	}

	// A rejected update must not push.
	env.svc.UpdateLocation(ctx, "u1", 91, 0)
	if pub.count() != 1 {
		t.Errorf("rejected update must not push, got %d", pub.count())
	}
}

func TestGoOffline(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, "POST", "/api/v1/users/me/location", map[string]float64{"lat": 1, "lon": 2})
	if w := env.do(t, "DELETE", "/api/v1/users/me/location", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/users/me/location/latest", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after going offline, got %d", w.Code)
	}
}

func TestHandlersRequireAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/api/v1/users/me/location/latest", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", w.Code)
	}
}
