package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauge(t *testing.T) {
	m := New("test")

	m.Pair("egg", "done")
	m.Pair("egg", "done")
	m.Pair("egg", "failed")
	m.Upsert("egg", "created")
	m.Rejected("copra", 3)
	m.Rejected("copra", 0)
	m.Fetch("eggpricetoday", 20*time.Millisecond, nil)
	m.Fetch("eggpricetoday", 30*time.Millisecond, errors.New("boom"))

	finished := time.Unix(1_700_000_000, 0)
	m.Run("success", finished, time.Second)
	m.Run("failed", finished.Add(time.Hour), time.Second)

	if got := testutil.ToFloat64(m.PairsTotal.WithLabelValues("egg", "done")); got != 2 {
		t.Fatalf("expected 2 done pairs, got %v", got)
	}
	if got := testutil.ToFloat64(m.RejectedTotal.WithLabelValues("copra")); got != 3 {
		t.Fatalf("expected 3 rejected observations, got %v", got)
	}
	if got := testutil.ToFloat64(m.FetchFailures.WithLabelValues("eggpricetoday")); got != 1 {
		t.Fatalf("expected 1 fetch failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.LastSuccessful); got != float64(finished.Unix()) {
		t.Fatalf("last success should only move on successful runs, got %v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New("ratewatch")
	m.Upsert("egg", "updated")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `ratewatch_ingestion_upserts_total{commodity="egg",outcome="updated"} 1`) {
		t.Fatalf("exposition missing upsert counter:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Pair("egg", "done")
	m.Upsert("egg", "created")
	m.Fetch("x", time.Second, errors.New("x"))
	m.Run("success", time.Now(), time.Second)
	m.Request("/health", "200")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	// Separate registries must not collide on registration.
	a := New("")
	b := New("")
	a.Pair("egg", "done")
	if got := testutil.ToFloat64(b.PairsTotal.WithLabelValues("egg", "done")); got != 0 {
		t.Fatalf("registries leaked state: %v", got)
	}
}
