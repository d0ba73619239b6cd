package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/rates"
)

var (
	// ErrInvalidPrice marks a field with no numeric token or a non-positive value.
	ErrInvalidPrice = errors.New("normalize: invalid price")
	// ErrInvalidDate marks an unparseable date field.
	ErrInvalidDate = errors.New("normalize: invalid date")
	// ErrNoValidBuckets is returned when every bucket of a record was dropped.
	ErrNoValidBuckets = errors.New("normalize: no valid buckets")
	// ErrBlankCity is returned for observations without any city text.
	ErrBlankCity = errors.New("normalize: blank city")
)

var (
	numberPattern  = regexp.MustCompile(`-?\d+(?:,\d+)*(?:\.\d+)?`)
	quintalPattern = regexp.MustCompile(`\b(?:quintals?|qtl)\b`)
	tonPattern     = regexp.MustCompile(`\b(?:tons?|tonnes?)\b`)

	currencyReplacer = strings.NewReplacer("₹", " ", "rs.", " ", "rs", " ", "inr", " ")

	hundred  = decimal.NewFromInt(100)
	thousand = decimal.NewFromInt(1000)

	eggMultipliers = map[string]decimal.Decimal{
		rates.BucketTray:        decimal.NewFromInt(30),
		rates.BucketHundredEggs: decimal.NewFromInt(100),
		rates.BucketBox:         decimal.NewFromInt(210),
	}
)

// ParsePrice extracts the first number of text as a per-kg (or per-unit) price.
func ParsePrice(text string) (decimal.Decimal, error) {
	lower := strings.ToLower(text)
	token := numberPattern.FindString(currencyReplacer.Replace(lower))
	if token == "" {
		return decimal.Zero, fmt.Errorf("%w: no number in %q", ErrInvalidPrice, text)
	}

	value, err := decimal.NewFromString(strings.ReplaceAll(token, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidPrice, text, err)
	}

	switch {
	case quintalPattern.MatchString(lower):
		value = value.Div(hundred)
	case tonPattern.MatchString(lower):
		value = value.Div(thousand)
	}

	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive value in %q", ErrInvalidPrice, text)
	}
	return value, nil
}

var dateLayouts = []string{
	"02-01-2006",
	"2006-01-02",
	"02/01/2006",
	"2 Jan 2006",
	"2 January 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseDate parses a scraped date. Blank text yields fallback.
func ParseDate(text string, fallback time.Time) (time.Time, error) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return fallback, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, text)
}

// Field is one raw price text with its bucket label.
type Field struct {
	Label string
	Text  string
}

// Input holds the raw fields of one (city, date) observation group.
type Input struct {
	City      string
	PriceDate time.Time
	ScrapedAt time.Time
	Fields    []Field
}

// Normalize converts raw fields into a RateRecord. Invalid fields drop only
// their own bucket; a record left without buckets fails with ErrNoValidBuckets.
func Normalize(kind rates.Commodity, in Input) (rates.RateRecord, error) {
	var buckets rates.Rates
	switch kind {
	case rates.Egg:
		buckets = eggRates(in.Fields)
	case rates.Copra:
		buckets = copraRates(in.Fields)
	case rates.Chicken:
		buckets = chickenRates(in.Fields)
	default:
		return rates.RateRecord{}, fmt.Errorf("%w: %q", rates.ErrUnknownCommodity, kind)
	}

	if len(buckets) == 0 {
		return rates.RateRecord{}, fmt.Errorf("%w: %s %s %s", ErrNoValidBuckets, kind, in.City, rates.FormatDay(in.PriceDate))
	}

	return rates.RateRecord{
		Commodity:  kind,
		City:       in.City,
		Rates:      buckets,
		PriceDate:  rates.Day(in.PriceDate, time.UTC),
		ScrapedAt:  in.ScrapedAt.UTC(),
		SourceText: sourceText(in.Fields),
	}, nil
}

// DeriveEggRates expands a per-egg price into every pack size.
func DeriveEggRates(single decimal.Decimal) rates.Rates {
	out := rates.Rates{rates.BucketSingleEgg: single}
	for bucket, n := range eggMultipliers {
		out[bucket] = single.Mul(n)
	}
	return out
}

func eggRates(fields []Field) rates.Rates {
	explicit := rates.Rates{}
	for _, f := range fields {
		bucket := eggBucket(f.Label)
		value, err := ParsePrice(f.Text)
		if err != nil {
			continue
		}
		if bucket == rates.BucketSingleEgg {
			return DeriveEggRates(value)
		}
		if _, seen := explicit[bucket]; !seen {
			explicit[bucket] = value
		}
	}
	return explicit
}

func eggBucket(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case strings.Contains(l, "tray"), strings.HasPrefix(l, "30"):
		return rates.BucketTray
	case strings.Contains(l, "hundred"), strings.HasPrefix(l, "100"):
		return rates.BucketHundredEggs
	case strings.Contains(l, "box"), strings.HasPrefix(l, "210"):
		return rates.BucketBox
	default:
		return rates.BucketSingleEgg
	}
}

func copraRates(fields []Field) rates.Rates {
	var (
		min, max, sum decimal.Decimal
		n             int64
	)
	for _, f := range fields {
		value, err := ParsePrice(f.Text)
		if err != nil {
			continue
		}
		if n == 0 || value.LessThan(min) {
			min = value
		}
		if n == 0 || value.GreaterThan(max) {
			max = value
		}
		sum = sum.Add(value)
		n++
	}
	if n == 0 {
		return nil
	}
	return rates.Rates{
		rates.BucketMinPrice: min,
		rates.BucketMaxPrice: max,
		rates.BucketAvgPrice: sum.Div(decimal.NewFromInt(n)),
	}
}

var chickenCuts = []struct {
	match  string
	bucket string
}{
	{"boneless", rates.BucketBoneless},
	{"liver", rates.BucketChickenLiver},
	{"country", rates.BucketCountry},
	{"skinless", rates.BucketSkinless},
	{"live", rates.BucketLive},
	{"chicken", rates.BucketChicken},
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// ChickenBucket maps a variety label onto its cut bucket.
func ChickenBucket(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return rates.BucketChicken
	}
	for _, cut := range chickenCuts {
		if strings.Contains(l, cut.match) {
			return cut.bucket
		}
	}
	return strings.Trim(slugPattern.ReplaceAllString(l, "_"), "_")
}

func chickenRates(fields []Field) rates.Rates {
	out := rates.Rates{}
	for _, f := range fields {
		bucket := ChickenBucket(f.Label)
		if bucket == "" {
			continue
		}
		if _, seen := out[bucket]; seen {
			continue
		}
		value, err := ParsePrice(f.Text)
		if err != nil {
			continue
		}
		out[bucket] = value
	}
	return out
}

func sourceText(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		text := strings.Join(strings.Fields(f.Text), " ")
		if text == "" {
			continue
		}
		if f.Label != "" {
			text = strings.TrimSpace(f.Label) + ": " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "; ")
}

// CityResolver canonicalizes scraped city text.
type CityResolver interface {
	Resolve(raw string) (city.City, bool)
}

// BatchOptions parameterise Batch.
type BatchOptions struct {
	ScrapedAt time.Time
	Location  *time.Location
	Source    string
	Quality   rates.Quality
}

// Rejection records an observation or group that produced no record.
type Rejection struct {
	Observation rates.RawObservation
	Err         error
}

// Batch groups observations by (canonical city, date) and normalizes each
// group. Records are returned newest first, then by city.
func Batch(kind rates.Commodity, observations []rates.RawObservation, resolver CityResolver, opts BatchOptions) ([]rates.RateRecord, []Rejection) {
	if resolver == nil {
		resolver = city.Default()
	}
	today := rates.Day(opts.ScrapedAt, opts.Location)

	type groupKey struct {
		city string
		day  string
	}
	var (
		order    []groupKey
		groups   = make(map[groupKey]*Input)
		firstObs = make(map[groupKey]rates.RawObservation)
		rejected []Rejection
	)

	for _, obs := range observations {
		c, ok := resolver.Resolve(obs.CityText)
		if !ok {
			rejected = append(rejected, Rejection{Observation: obs, Err: ErrBlankCity})
			continue
		}
		day, err := ParseDate(obs.DateText, today)
		if err != nil {
			rejected = append(rejected, Rejection{Observation: obs, Err: err})
			continue
		}
		key := groupKey{city: c.ID, day: rates.FormatDay(day)}
		in, exists := groups[key]
		if !exists {
			in = &Input{City: c.ID, PriceDate: day, ScrapedAt: opts.ScrapedAt}
			groups[key] = in
			firstObs[key] = obs
			order = append(order, key)
		}
		in.Fields = append(in.Fields, Field{Label: obs.Label, Text: obs.PriceText})
	}

	records := make([]rates.RateRecord, 0, len(order))
	for _, key := range order {
		rec, err := Normalize(kind, *groups[key])
		if err != nil {
			rejected = append(rejected, Rejection{Observation: firstObs[key], Err: err})
			continue
		}
		rec.Source = opts.Source
		rec.Quality = opts.Quality
		if rec.Quality == "" {
			rec.Quality = rates.QualityLive
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].PriceDate.Equal(records[j].PriceDate) {
			return records[i].PriceDate.After(records[j].PriceDate)
		}
		return records[i].City < records[j].City
	})
	return records, rejected
}
