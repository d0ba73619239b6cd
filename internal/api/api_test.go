package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"commodity-ratewatch/internal/metrics"
	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
	"commodity-ratewatch/internal/storage/memory"
)

var day = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, store storage.PriceStore, cityID string, offset int, single string) {
	t.Helper()
	p := decimal.RequireFromString(single)
	_, err := store.Upsert(context.Background(), rates.Stored(rates.RateRecord{
		Commodity: rates.Egg,
		City:      cityID,
		PriceDate: day.AddDate(0, 0, offset),
		ScrapedAt: day.AddDate(0, 0, offset).Add(3 * time.Hour),
		Rates:     rates.Rates{rates.BucketSingleEgg: p, rates.BucketTray: p.Mul(decimal.NewFromInt(30))},
		Source:    "eggpricetoday",
	}))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newTestApp(t *testing.T, store storage.PriceStore) *fiber.App {
	t.Helper()
	return NewApp(NewQueries(store, nil, 16, time.Minute), metrics.New("test"), Options{}, zerolog.Nop())
}

func do(t *testing.T, app *fiber.App, target string) (int, []byte) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body
}

func TestLatestResolvesCityAliases(t *testing.T) {
	store := memory.New()
	seed(t, store, "bengaluru", -1, "4.40")
	seed(t, store, "bengaluru", 0, "4.50")
	seed(t, store, "chennai", 0, "4.60")
	app := newTestApp(t, store)

	code, body := do(t, app, "/api/v1/egg/latest?city=Bangalore")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].City != "bengaluru" || records[0].PriceDate != "2024-01-10" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Rates[rates.BucketTray] != "135" {
		t.Fatalf("unexpected tray price %q", records[0].Rates[rates.BucketTray])
	}

	code, body = do(t, app, "/api/v1/egg/latest")
	if err := json.Unmarshal(body, &records); err != nil || code != http.StatusOK || len(records) != 2 {
		t.Fatalf("expected one record per city, got %d %s", code, body)
	}

	code, body = do(t, app, "/api/v1/copra/latest")
	if code != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty latest should be an empty list, got %d %s", code, body)
	}
}

func TestHistoricalNotFoundAndValidation(t *testing.T) {
	store := memory.New()
	seed(t, store, "chennai", 0, "4.60")
	app := newTestApp(t, store)

	code, body := do(t, app, "/api/v1/egg/historical?city=Madras&date=2024-01-10")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}

	code, body = do(t, app, "/api/v1/egg/historical?city=chennai&date=2024-01-09")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil || payload["error"] != "no data" {
		t.Fatalf("unexpected 404 body: %s", body)
	}

	for _, target := range []string{
		"/api/v1/egg/historical?city=chennai&date=10-01-2024",
		"/api/v1/egg/historical?date=2024-01-10",
		"/api/v1/mutton/historical?city=chennai&date=2024-01-10",
	} {
		if code, _ := do(t, app, target); code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, code)
		}
	}
}

func TestRangeAndCities(t *testing.T) {
	store := memory.New()
	for i, price := range []string{"4.40", "4.45", "4.50", "4.55"} {
		seed(t, store, "chennai", i-3, price)
	}
	seed(t, store, "pune", 0, "4.30")
	app := newTestApp(t, store)

	code, body := do(t, app, "/api/v1/egg/range?city=chennai&start=2024-01-08&end=2024-01-10")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var payload struct {
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Records) != 3 || payload.Records[0].PriceDate != "2024-01-08" || payload.Records[2].PriceDate != "2024-01-10" {
		t.Fatalf("unexpected range: %+v", payload.Records)
	}

	if code, _ := do(t, app, "/api/v1/egg/range?city=chennai&start=2024-01-10&end=2024-01-08"); code != http.StatusBadRequest {
		t.Fatalf("inverted range should be rejected, got %d", code)
	}

	code, body = do(t, app, "/api/v1/egg/cities")
	if code != http.StatusOK || !strings.Contains(string(body), `"cities":["chennai","pune"]`) {
		t.Fatalf("unexpected cities response %d %s", code, body)
	}
}

func TestUnavailableStoreIs503(t *testing.T) {
	store := memory.New()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	app := newTestApp(t, store)

	if code, _ := do(t, app, "/api/v1/egg/latest"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if code, _ := do(t, app, "/api/v1/egg/historical?city=chennai&date=2024-01-10"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	app := newTestApp(t, memory.New())

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(fiber.HeaderXRequestID) == "" {
		t.Fatal("response should carry a request id")
	}

	code, body := do(t, app, "/metrics")
	if code != http.StatusOK || !strings.Contains(string(body), "test_api_requests_total") {
		t.Fatalf("metrics should expose request counter, got %d", code)
	}
}

type countingStore struct {
	storage.PriceStore
	latestCalls int
}

func (c *countingStore) GetLatest(ctx context.Context, commodity rates.Commodity, city string) ([]rates.StoredRecord, error) {
	c.latestCalls++
	return c.PriceStore.GetLatest(ctx, commodity, city)
}

func TestQueriesCacheUntilInvalidated(t *testing.T) {
	store := &countingStore{PriceStore: memory.New()}
	q := NewQueries(store, nil, 8, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Latest(ctx, rates.Egg, ""); err != nil {
			t.Fatalf("latest: %v", err)
		}
	}
	if store.latestCalls != 1 {
		t.Fatalf("expected one store call, got %d", store.latestCalls)
	}

	q.Invalidate()
	if _, err := q.Latest(ctx, rates.Egg, ""); err != nil {
		t.Fatalf("latest: %v", err)
	}
	if store.latestCalls != 2 {
		t.Fatalf("invalidate should force a reload, got %d calls", store.latestCalls)
	}
}

func TestQueriesDoNotCacheErrors(t *testing.T) {
	q := NewQueries(memory.New(), nil, 8, time.Minute)
	_, err := q.ByDate(context.Background(), rates.Egg, "chennai", day)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if q.cache.Len() != 0 {
		t.Fatalf("errors must not be cached")
	}
}
