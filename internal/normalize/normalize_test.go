package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"commodity-ratewatch/internal/rates"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"₹38,500 per quintal", "385"},
		{"₹4.60", "4.6"},
		{"Rs. 4.50 per egg", "4.5"},
		{"INR 1,20,000 / Ton", "120"},
		{"₹ 12000/Qtl", "120"},
		{"Price: 95 /Kg", "95"},
		{"₹ 460 per kg", "460"},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.text)
		if err != nil {
			t.Fatalf("ParsePrice(%q) returned error: %v", tc.text, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("ParsePrice(%q) = %s, want %s", tc.text, got, tc.want)
		}
	}
}

func TestParsePriceRejects(t *testing.T) {
	for _, text := range []string{"", "N/A", "₹0", "0.00 per kg", "Ask for price", "-4.50", "₹ -38,500 per quintal"} {
		if _, err := ParsePrice(text); !errors.Is(err, ErrInvalidPrice) {
			t.Fatalf("ParsePrice(%q) should fail with ErrInvalidPrice, got %v", text, err)
		}
	}
}

func TestEggDerivationIsExact(t *testing.T) {
	rec, err := Normalize(rates.Egg, Input{
		City:      "chennai",
		PriceDate: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Fields:    []Field{{Text: "₹4.50"}},
	})
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	want := map[string]string{
		rates.BucketSingleEgg:   "4.5",
		rates.BucketTray:        "135",
		rates.BucketHundredEggs: "450",
		rates.BucketBox:         "945",
	}
	if len(rec.Rates) != len(want) {
		t.Fatalf("unexpected buckets %v", rec.Rates.Keys())
	}
	for bucket, w := range want {
		if !rec.Rates[bucket].Equal(decimal.RequireFromString(w)) {
			t.Fatalf("%s = %s, want %s", bucket, rec.Rates[bucket], w)
		}
	}
}

func TestEggExplicitPackSizesWithoutSinglePrice(t *testing.T) {
	rec, err := Normalize(rates.Egg, Input{
		City:      "pune",
		PriceDate: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Fields:    []Field{{Label: "30pcs", Text: "₹132"}, {Label: "210pcs", Text: "n/a"}},
	})
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if len(rec.Rates) != 1 || !rec.Rates[rates.BucketTray].Equal(decimal.NewFromInt(132)) {
		t.Fatalf("expected only the tray bucket, got %v", rec.Rates)
	}
}

func TestCopraAggregatesWithUnitCorrection(t *testing.T) {
	rec, err := Normalize(rates.Copra, Input{
		City:      "kochi",
		PriceDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Fields: []Field{
			{Text: "₹ 100/Kg"},
			{Text: "₹ 12,000/Quintal"},
			{Text: "Get Latest Price"},
			{Text: "₹ 140 / kg"},
		},
	})
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	checks := map[string]string{
		rates.BucketMinPrice: "100",
		rates.BucketMaxPrice: "140",
		rates.BucketAvgPrice: "120",
	}
	for bucket, w := range checks {
		if !rec.Rates[bucket].Equal(decimal.RequireFromString(w)) {
			t.Fatalf("%s = %s, want %s", bucket, rec.Rates[bucket], w)
		}
	}
}

func TestChickenVarietiesDropInvalidBucketOnly(t *testing.T) {
	rec, err := Normalize(rates.Chicken, Input{
		City:      "mumbai",
		PriceDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Fields: []Field{
			{Label: "Boneless Chicken", Text: "₹460"},
			{Label: "Chicken Liver", Text: "₹200"},
			{Label: "Live Chicken", Text: "₹0"},
			{Label: "Country Chicken", Text: "₹600"},
			{Label: "Chicken", Text: "₹260"},
		},
	})
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	if _, ok := rec.Rates[rates.BucketLive]; ok {
		t.Fatal("invalid live price must be absent, not zero")
	}
	if !rec.Rates[rates.BucketChickenLiver].Equal(decimal.NewFromInt(200)) {
		t.Fatalf("liver should not be confused with live: %v", rec.Rates)
	}
	if len(rec.Rates) != 4 {
		t.Fatalf("expected 4 buckets, got %v", rec.Rates.Keys())
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("normalized record should validate: %v", err)
	}
}

func TestNormalizeNoValidBuckets(t *testing.T) {
	_, err := Normalize(rates.Egg, Input{City: "delhi", PriceDate: time.Now(), Fields: []Field{{Text: "--"}}})
	if !errors.Is(err, ErrNoValidBuckets) {
		t.Fatalf("expected ErrNoValidBuckets, got %v", err)
	}
}

func TestParseDate(t *testing.T) {
	fallback := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for _, text := range []string{"09-01-2024", "2024-01-09", "09/01/2024", "9 Jan 2024", "January 9, 2024"} {
		got, err := ParseDate(text, fallback)
		if err != nil {
			t.Fatalf("ParseDate(%q) returned error: %v", text, err)
		}
		if rates.FormatDay(got) != "2024-01-09" {
			t.Fatalf("ParseDate(%q) = %s", text, got)
		}
	}
	if got, _ := ParseDate("  ", fallback); !got.Equal(fallback) {
		t.Fatalf("blank date should use fallback, got %s", got)
	}
	if _, err := ParseDate("Date", fallback); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestBatchGroupsByCityAndDate(t *testing.T) {
	scrapedAt := time.Date(2024, 1, 10, 4, 0, 0, 0, time.UTC)
	observations := []rates.RawObservation{
		{CityText: "Chennai", DateText: "10-01-2024", PriceText: "₹4.60"},
		{CityText: "Chennai", DateText: "09-01-2024", PriceText: "₹4.55"},
		{CityText: "chennai", DateText: "10-01-2024", PriceText: "₹4.80"},
		{CityText: "Chennai", DateText: "Date", PriceText: "Price"},
		{CityText: "", DateText: "09-01-2024", PriceText: "₹4.10"},
	}

	records, rejected := Batch(rates.Egg, observations, nil, BatchOptions{ScrapedAt: scrapedAt, Source: "eggpricetoday"})
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if len(rejected) != 2 {
		t.Fatalf("expected 2 rejections, got %d", len(rejected))
	}
	if rates.FormatDay(records[0].PriceDate) != "2024-01-10" {
		t.Fatalf("records should be newest first, got %s", records[0].PriceDate)
	}
	if !records[0].Rates[rates.BucketSingleEgg].Equal(decimal.RequireFromString("4.60")) {
		t.Fatalf("first observation of a group should win, got %s", records[0].Rates[rates.BucketSingleEgg])
	}
	if records[0].Quality != rates.QualityLive || records[0].Source != "eggpricetoday" {
		t.Fatalf("batch options not applied: %+v", records[0])
	}
}

func TestBatchUndatedObservationsUseToday(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	scrapedAt := time.Date(2024, 1, 9, 20, 0, 0, 0, time.UTC)
	records, _ := Batch(rates.Copra, []rates.RawObservation{{CityText: "Cochin", PriceText: "₹ 110/Kg"}}, nil, BatchOptions{ScrapedAt: scrapedAt, Location: ist})
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if rates.FormatDay(records[0].PriceDate) != "2024-01-10" || records[0].City != "kochi" {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

func TestCopraAverageIsNotRounded(t *testing.T) {
	rec, err := Normalize(rates.Copra, Input{
		City:      "kochi",
		PriceDate: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Fields:    []Field{{Text: "₹ 100/Kg"}, {Text: "₹ 100/Kg"}, {Text: "₹ 101/Kg"}},
	})
	if err != nil {
		t.Fatalf("Normalize returned error: %v", err)
	}
	want := decimal.NewFromInt(301).Div(decimal.NewFromInt(3))
	if got := rec.Rates[rates.BucketAvgPrice]; !got.Equal(want) {
		t.Fatalf("avg_price = %s, want %s", got, want)
	}
	if rec.Rates[rates.BucketAvgPrice].Equal(decimal.RequireFromString("100.33")) {
		t.Fatal("avg_price must keep full precision")
	}
}
