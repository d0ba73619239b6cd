// Package storagetest holds the behaviour every PriceStore backend must share.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) storage.PriceStore

// Day is the reference date used by the suite.
var Day = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

// Egg builds an egg record for city dated offset days from Day.
func Egg(city string, offset int, single string) rates.StoredRecord {
	p := decimal.RequireFromString(single)
	return rates.Stored(rates.RateRecord{
		Commodity: rates.Egg,
		City:      city,
		PriceDate: Day.AddDate(0, 0, offset),
		ScrapedAt: Day.AddDate(0, 0, offset).Add(9 * time.Hour),
		Rates: rates.Rates{
			rates.BucketSingleEgg:   p,
			rates.BucketTray:        p.Mul(decimal.NewFromInt(30)),
			rates.BucketHundredEggs: p.Mul(decimal.NewFromInt(100)),
			rates.BucketBox:         p.Mul(decimal.NewFromInt(210)),
		},
		Quality:    rates.QualityLive,
		Source:     "eggpricetoday",
		SourceText: "₹" + single,
	})
}

// Run executes the conformance suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("UpsertIsIdempotent", func(t *testing.T) { testIdempotentUpsert(t, factory(t)) })
	t.Run("UpsertOverwritesKey", func(t *testing.T) { testOverwrite(t, factory(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("GetByDateNotFound", func(t *testing.T) { testNotFound(t, factory(t)) })
	t.Run("RangeInclusiveAscending", func(t *testing.T) { testRange(t, factory(t)) })
	t.Run("LatestPerCity", func(t *testing.T) { testLatest(t, factory(t)) })
	t.Run("AvailableCities", func(t *testing.T) { testCities(t, factory(t)) })
	t.Run("RejectsInvalidRecord", func(t *testing.T) { testInvalid(t, factory(t)) })
	t.Run("ConcurrentUpsertsSameKey", func(t *testing.T) { testConcurrent(t, factory(t)) })
}

func testIdempotentUpsert(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	rec := Egg("chennai", 0, "4.60")

	outcome, err := s.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rates.OutcomeCreated, outcome)
	first, err := s.GetByRange(ctx, rates.Egg, "chennai", Day.AddDate(0, 0, -30), Day)
	require.NoError(t, err)

	outcome, err = s.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, rates.OutcomeUpdated, outcome)
	second, err := s.GetByRange(ctx, rates.Egg, "chennai", Day.AddDate(0, 0, -30), Day)
	require.NoError(t, err)

	require.Len(t, second, 1)
	require.Len(t, first, 1)
	assertSameRecord(t, first[0], second[0])
}

func testOverwrite(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	_, err := s.Upsert(ctx, Egg("chennai", 0, "4.60"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, Egg("chennai", 0, "4.80"))
	require.NoError(t, err)

	got, err := s.GetByRange(ctx, rates.Egg, "chennai", Day, Day)
	require.NoError(t, err)
	require.Len(t, got, 1, "a key must never hold two records")
	assert.True(t, got[0].Rates[rates.BucketSingleEgg].Equal(decimal.RequireFromString("4.80")))
}

func testRoundTrip(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	rec := Egg("chennai", 0, "4.50")
	rec.Quality = rates.QualityFallback
	_, err := s.Upsert(ctx, rec)
	require.NoError(t, err)

	got, err := s.GetByDate(ctx, rates.Egg, "Chennai", Day.Add(15*time.Hour))
	require.NoError(t, err)
	assertSameRecord(t, rec, got)
	assert.True(t, got.Rates[rates.BucketTray].Equal(decimal.NewFromInt(135)))
	assert.True(t, got.Rates[rates.BucketHundredEggs].Equal(decimal.NewFromInt(450)))
	assert.True(t, got.Rates[rates.BucketBox].Equal(decimal.NewFromInt(945)))
}

func testNotFound(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	_, err := s.GetByDate(ctx, rates.Egg, "chennai", Day)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
	assert.False(t, storage.IsUnavailable(err), "not-found must be distinguishable from unavailability")
}

func testRange(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	for _, offset := range []int{-3, 0, -2, -1, 1} {
		_, err := s.Upsert(ctx, Egg("chennai", offset, fmt.Sprintf("4.%d0", 5+offset)))
		require.NoError(t, err)
	}
	_, err := s.Upsert(ctx, Egg("mumbai", -1, "4.50"))
	require.NoError(t, err)

	got, err := s.GetByRange(ctx, rates.Egg, "chennai", Day.AddDate(0, 0, -2), Day)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, offset := range []int{-2, -1, 0} {
		assert.True(t, got[i].PriceDate.Equal(Day.AddDate(0, 0, offset)), "entry %d has date %s", i, got[i].PriceDate)
	}

	empty, err := s.GetByRange(ctx, rates.Egg, "delhi", Day.AddDate(0, 0, -2), Day)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testLatest(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	for _, rec := range []rates.StoredRecord{
		Egg("chennai", -1, "4.55"),
		Egg("chennai", 0, "4.60"),
		Egg("mumbai", -2, "4.40"),
		Egg("mumbai", -5, "4.10"),
	} {
		_, err := s.Upsert(ctx, rec)
		require.NoError(t, err)
	}

	all, err := s.GetLatest(ctx, rates.Egg, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "chennai", all[0].City)
	assert.True(t, all[0].PriceDate.Equal(Day))
	assert.Equal(t, "mumbai", all[1].City)
	assert.True(t, all[1].PriceDate.Equal(Day.AddDate(0, 0, -2)))

	one, err := s.GetLatest(ctx, rates.Egg, "mumbai")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.True(t, one[0].Rates[rates.BucketSingleEgg].Equal(decimal.RequireFromString("4.40")))

	none, err := s.GetLatest(ctx, rates.Copra, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCities(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	for _, rec := range []rates.StoredRecord{
		Egg("pune", 0, "4.40"),
		Egg("chennai", 0, "4.60"),
		Egg("chennai", -1, "4.55"),
	} {
		_, err := s.Upsert(ctx, rec)
		require.NoError(t, err)
	}
	cities, err := s.GetAvailableCities(ctx, rates.Egg)
	require.NoError(t, err)
	assert.Equal(t, []string{"chennai", "pune"}, cities)

	none, err := s.GetAvailableCities(ctx, rates.Chicken)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testInvalid(t *testing.T, s storage.PriceStore) {
	rec := Egg("chennai", 0, "4.60")
	rec.Rates[rates.BucketBox] = decimal.Zero
	_, err := s.Upsert(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInvalidRecord), "got %v", err)
}

func testConcurrent(t *testing.T, s storage.PriceStore) {
	ctx := context.Background()
	rec := Egg("kolkata", 0, "4.50")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Upsert(ctx, rec); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetByRange(ctx, rates.Egg, "kolkata", Day, Day)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func assertSameRecord(t *testing.T, want, got rates.StoredRecord) {
	t.Helper()
	assert.Equal(t, want.City, got.City)
	assert.Equal(t, want.Commodity, got.Commodity)
	assert.True(t, want.PriceDate.Equal(got.PriceDate), "price date %s != %s", want.PriceDate, got.PriceDate)
	assert.True(t, want.ScrapedAt.Equal(got.ScrapedAt), "scraped at %s != %s", want.ScrapedAt, got.ScrapedAt)
	assert.True(t, want.Rates.Equal(got.Rates), "rates %v != %v", want.Rates, got.Rates)
	assert.Equal(t, want.Quality, got.Quality)
	assert.Equal(t, want.Source, got.Source)
	assert.Equal(t, want.SourceText, got.SourceText)
}
