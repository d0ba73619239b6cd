package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/normalize"
	"commodity-ratewatch/internal/rates"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func testClient() *Client {
	return NewClient(HTTPOptions{
		Timeout:     time.Second,
		UserAgent:   "ratewatch-test",
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	}, noopLogger())
}

func source(c rates.Commodity, name string) Source {
	resolved, _ := city.Default().Resolve(name)
	return Source{Commodity: c, City: resolved, Slug: resolved.Slug()}
}

const eggPage = `<html><body>
<table>
  <tr><th>Date</th><th>Price per egg</th><th>Tray</th></tr>
  <tr><td>10-01-2024</td><td>₹ 4.60</td><td>₹ 138</td></tr>
  <tr><td>09-01-2024</td><td>₹ 4.55</td><td>₹ 136.5</td></tr>
  <tr><td colspan="3">advert</td></tr>
</table>
<table><tr><td>other</td><td>table</td></tr></table>
</body></html>`

func TestEggPriceTodayParsesTable(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA = r.URL.Path, r.UserAgent()
		fmt.Fprint(w, eggPage)
	}))
	defer srv.Close()

	f := NewEggPriceToday(testClient(), srv.URL+"/")
	obs, err := f.Fetch(context.Background(), source(rates.Egg, "Chennai"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/chennai-egg-rate-today" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotUA != "ratewatch-test" {
		t.Fatalf("user agent not sent: %q", gotUA)
	}
	if len(obs) != 3 {
		t.Fatalf("expected header plus two rows, got %d", len(obs))
	}
	if obs[1].DateText != "10-01-2024" || obs[1].PriceText != "₹ 4.60" || obs[1].Label != rates.BucketSingleEgg {
		t.Fatalf("unexpected observation %+v", obs[1])
	}

	records, rejected := normalize.Batch(rates.Egg, obs, nil, normalize.BatchOptions{ScrapedAt: time.Now()})
	if len(records) != 2 || len(rejected) != 1 {
		t.Fatalf("header row should be rejected downstream: %d records, %d rejected", len(records), len(rejected))
	}
}

func TestEggPriceTodayWithoutTableFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>maintenance</body></html>")
	}))
	defer srv.Close()

	_, err := NewEggPriceToday(testClient(), srv.URL).Fetch(context.Background(), source(rates.Egg, "Mumbai"))
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestIndiaMartCopraAttachesUnits(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `<div>
			<p><span class="prc">₹ 38,500</span><span class="unit">/ Quintal</span></p>
			<p><span class="prc">Rs 140</span><span class="unit">/ Kg</span></p>
			<p><span class="prc">Ask price</span></p>
		</div>`)
	}))
	defer srv.Close()

	src := source(rates.Copra, "Bengaluru")
	src.Slug = "bangalore"
	obs, err := NewIndiaMartCopra(testClient(), srv.URL).Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/bangalore/coconut-copra.html" {
		t.Fatalf("slug override not used: %q", gotPath)
	}
	if len(obs) != 3 || obs[0].PriceText != "₹ 38,500 / Quintal" {
		t.Fatalf("unexpected observations %+v", obs)
	}

	records, _ := normalize.Batch(rates.Copra, obs, nil, normalize.BatchOptions{ScrapedAt: time.Now()})
	if len(records) != 1 {
		t.Fatalf("expected one copra record, got %d", len(records))
	}
	got := records[0].Rates
	if got[rates.BucketMinPrice].String() != "140" || got[rates.BucketMaxPrice].String() != "385" {
		t.Fatalf("unexpected copra buckets %v", got)
	}
}

func chickenServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		variety := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "-price-in-india.html")
		if variety == "country-chicken" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `<table>
			<tr><th>City</th><th>Price</th><th>Change</th></tr>
			<tr><td>Chennai</td><td>₹ 220 /kg</td><td>0</td></tr>
			<tr><td>Bangalore</td><td>₹ 240 /kg</td><td>0</td></tr>
			<tr><td>%s town</td><td>₹ 1</td><td>0</td></tr>
		</table>`, variety)
	}))
}

func TestOneIndiaChickenFiltersCityAndCachesPages(t *testing.T) {
	var hits int32
	srv := chickenServer(t, &hits)
	defer srv.Close()

	f := NewOneIndiaChicken(testClient(), srv.URL, nil, 16, time.Minute)

	obs, err := f.Fetch(context.Background(), source(rates.Chicken, "Bengaluru"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(obs) != len(ChickenVarieties)-1 {
		t.Fatalf("expected one observation per available variety, got %d", len(obs))
	}
	for _, o := range obs {
		if o.CityText != "Bangalore" || o.PriceText != "₹ 240 /kg" {
			t.Fatalf("row for another city leaked: %+v", o)
		}
	}
	firstHits := atomic.LoadInt32(&hits)

	if _, err := f.Fetch(context.Background(), source(rates.Chicken, "Chennai")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Only the missing variety is requested again.
	if got := atomic.LoadInt32(&hits) - firstHits; got != 1 {
		t.Fatalf("cached pages were re-fetched: %d extra requests", got)
	}

	records, _ := normalize.Batch(rates.Chicken, obs, nil, normalize.BatchOptions{ScrapedAt: time.Now()})
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if _, ok := records[0].Rates[rates.BucketChickenLiver]; !ok {
		t.Fatalf("liver bucket missing: %v", records[0].Rates)
	}
	if _, ok := records[0].Rates[rates.BucketCountry]; ok {
		t.Fatal("country bucket should be absent when its page failed")
	}
}

func TestOneIndiaChickenAllPagesFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOneIndiaChicken(testClient(), srv.URL, nil, 0, 0).Fetch(context.Background(), source(rates.Chicken, "Chennai"))
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	body, err := testClient().Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if string(body) != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("unexpected body %q after %d calls", body, calls)
	}
}

func TestClientDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient().Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("404 should not be retried, got %d calls", calls)
	}
}

func TestClientBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(HTTPOptions{Timeout: time.Second, BackoffBase: time.Millisecond, BreakerFailures: 2, BreakerOpenFor: time.Minute}, noopLogger())
	for i := 0; i < 2; i++ {
		if _, err := c.Get(context.Background(), srv.URL); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := c.Get(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "circuit breaker open") {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("open breaker must not reach the server, got %d calls", calls)
	}
}

func TestClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := testClient().Get(ctx, srv.URL); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed on cancelled context, got %v", err)
	}
}

func TestStaticFallback(t *testing.T) {
	obs, err := Static{}.Fetch(context.Background(), source(rates.Egg, "Chennai"))
	if err != nil || len(obs) != 1 || obs[0].PriceText != "4.60" {
		t.Fatalf("unexpected egg fallback %+v (%v)", obs, err)
	}

	obs, err = Static{}.Fetch(context.Background(), source(rates.Chicken, "Bangalore"))
	if err != nil || len(obs) != 6 {
		t.Fatalf("unexpected chicken fallback %+v (%v)", obs, err)
	}
	records, _ := normalize.Batch(rates.Chicken, obs, nil, normalize.BatchOptions{ScrapedAt: time.Now()})
	if len(records) != 1 || len(records[0].Rates) != 6 {
		t.Fatalf("fallback should fill every cut: %+v", records)
	}
	if records[0].Rates[rates.BucketLive].String() != "220" {
		t.Fatalf("live cut mapped wrongly: %v", records[0].Rates)
	}

	obs, err = Static{}.Fetch(context.Background(), source(rates.Copra, "Chennai"))
	if err != nil || len(obs) != 0 {
		t.Fatalf("copra has no fallback table, got %+v (%v)", obs, err)
	}
	if len(FallbackCities(rates.Egg)) != 27 {
		t.Fatalf("unexpected egg fallback coverage %d", len(FallbackCities(rates.Egg)))
	}
}

func TestSourcesAppliesOverridesAndDedups(t *testing.T) {
	got := Sources(rates.Copra, SourceSpec{
		Cities:        []string{"Bangalore", "bengaluru", "Trivandrum", "  "},
		SlugOverrides: map[string]string{"bengaluru": "bangalore", "trivandrum": "thiruvananthapuram"},
	}, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 sources, got %+v", got)
	}
	if got[0].City.ID != "bengaluru" || got[0].Slug != "bangalore" {
		t.Fatalf("unexpected source %+v", got[0])
	}
	if got[1].Slug != "thiruvananthapuram" {
		t.Fatalf("override ignored: %+v", got[1])
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := Registry{rates.Egg: Static{}}
	if _, err := reg.Lookup(rates.Egg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Lookup(rates.Copra); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}
