package history

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"commodity-ratewatch/internal/rates"
)

var base = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

func day(offset int) time.Time { return base.AddDate(0, 0, offset) }

func egg(offset int, price string) rates.RateRecord {
	return rates.RateRecord{
		Commodity: rates.Egg,
		City:      "chennai",
		PriceDate: day(offset),
		Rates:     rates.Rates{rates.BucketSingleEgg: decimal.RequireFromString(price)},
	}
}

func TestMergeNoOpWhenTodayPresent(t *testing.T) {
	existing := []rates.RateRecord{egg(0, "4.60"), egg(-1, "4.55")}
	fresh := []rates.RateRecord{egg(0, "4.80"), egg(-2, "4.50")}

	got := Merge(existing, fresh, day(0))
	if len(got) != len(existing) {
		t.Fatalf("merge must return existing unchanged, got %d entries", len(got))
	}
	if &got[0] != &existing[0] {
		t.Fatal("merge must return the existing slice itself")
	}
	if !got[0].Rates[rates.BucketSingleEgg].Equal(decimal.RequireFromString("4.60")) {
		t.Fatal("today's entry was overwritten")
	}
}

func TestMergeEmptyFreshReturnsExisting(t *testing.T) {
	existing := []rates.RateRecord{egg(-1, "4.55")}
	got := Merge(existing, nil, day(0))
	if len(got) != 1 || !got[0].PriceDate.Equal(day(-1)) {
		t.Fatalf("unexpected history %v", got)
	}
}

func TestMergeExistingWinsForSharedDates(t *testing.T) {
	existing := []rates.RateRecord{egg(-1, "4.55"), egg(-3, "4.40")}
	fresh := []rates.RateRecord{egg(0, "4.60"), egg(-1, "9.99"), egg(-2, "4.50")}

	got := Merge(existing, fresh, day(0))
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}
	for i, want := range []int{0, -1, -2, -3} {
		if !got[i].PriceDate.Equal(day(want)) {
			t.Fatalf("entry %d has date %s, want %s", i, got[i].PriceDate, day(want))
		}
	}
	if !got[1].Rates[rates.BucketSingleEgg].Equal(decimal.RequireFromString("4.55")) {
		t.Fatal("existing entry should win over scraped history")
	}
}

func TestMergeFirstRunScenario(t *testing.T) {
	got := Merge(nil, []rates.RateRecord{egg(0, "4.60")}, day(0))
	if len(got) != 1 || !got[0].PriceDate.Equal(day(0)) {
		t.Fatalf("expected single entry for today, got %v", got)
	}
	again := Merge(got, []rates.RateRecord{egg(0, "4.80")}, day(0))
	if !again[0].Rates[rates.BucketSingleEgg].Equal(decimal.RequireFromString("4.60")) {
		t.Fatal("second merge on the same day must be a no-op")
	}
}

func TestMergeCapsWindow(t *testing.T) {
	var fresh []rates.RateRecord
	for i := 0; i < 45; i++ {
		fresh = append(fresh, egg(-i, "4.00"))
	}
	got := Merge(nil, fresh, day(0))
	if len(got) != Window {
		t.Fatalf("expected %d entries, got %d", Window, len(got))
	}
	if !got[Window-1].PriceDate.Equal(day(-(Window - 1))) {
		t.Fatalf("oldest kept entry should be %s, got %s", day(-(Window - 1)), got[Window-1].PriceDate)
	}

	small := NewMerger(5).Merge(nil, fresh, day(0))
	if len(small) != 5 {
		t.Fatalf("custom window ignored: %d", len(small))
	}
}

func TestMergeInvariantsHoldOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var h []rates.RateRecord
	for run := 0; run < 200; run++ {
		today := day(run / 3)
		var fresh []rates.RateRecord
		for i := 0; i < rng.Intn(40); i++ {
			fresh = append(fresh, egg(run/3-rng.Intn(60), "4.10"))
		}
		h = Merge(h, fresh, today)
		if !Valid(h, Window) {
			t.Fatalf("run %d produced an invalid history (len=%d)", run, len(h))
		}
	}
}

func TestAddedListsOnlyNewDates(t *testing.T) {
	before := []rates.RateRecord{egg(-1, "4.55")}
	after := Merge(before, []rates.RateRecord{egg(0, "4.60"), egg(-1, "4.70"), egg(-2, "4.50")}, day(0))

	added := Added(before, after)
	if len(added) != 2 {
		t.Fatalf("expected 2 new entries, got %d", len(added))
	}
	if !added[0].PriceDate.Equal(day(0)) || !added[1].PriceDate.Equal(day(-2)) {
		t.Fatalf("unexpected added entries %v", added)
	}
}

func TestFromStoredSortsDescending(t *testing.T) {
	stored := []rates.StoredRecord{rates.Stored(egg(-2, "4.5")), rates.Stored(egg(0, "4.6")), rates.Stored(egg(-1, "4.55"))}
	h := FromStored(stored)
	if !Valid(h, Window) || !h[0].PriceDate.Equal(day(0)) {
		t.Fatalf("history not rebuilt newest first: %v", h)
	}
}
