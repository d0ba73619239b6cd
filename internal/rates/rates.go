package rates

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Commodity identifies a tracked commodity.
type Commodity string

const (
	Egg     Commodity = "egg"
	Copra   Commodity = "copra"
	Chicken Commodity = "chicken"
)

// All lists the supported commodities in processing order.
var All = []Commodity{Egg, Copra, Chicken}

// Egg buckets.
const (
	BucketSingleEgg   = "single_egg"
	BucketTray        = "tray"
	BucketHundredEggs = "hundred_eggs"
	BucketBox         = "box"
)

// Copra buckets.
const (
	BucketMinPrice = "min_price"
	BucketMaxPrice = "max_price"
	BucketAvgPrice = "avg_price"
)

// Chicken cut buckets.
const (
	BucketBoneless     = "boneless"
	BucketChicken      = "chicken"
	BucketChickenLiver = "chicken_liver"
	BucketCountry      = "country"
	BucketLive         = "live"
	BucketSkinless     = "skinless"
)

var (
	// ErrUnknownCommodity is returned for names outside the commodity enum.
	ErrUnknownCommodity = errors.New("rates: unknown commodity")
	// ErrInvalidRecord flags a record that breaks the positive-bucket invariant.
	ErrInvalidRecord = errors.New("rates: invalid record")
)

// ParseCommodity maps a case-insensitive name onto the commodity enum.
func ParseCommodity(name string) (Commodity, error) {
	c := Commodity(strings.ToLower(strings.TrimSpace(name)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommodity, name)
	}
	return c, nil
}

// ParseCommodities parses a list of names, rejecting duplicates silently.
func ParseCommodities(names []string) ([]Commodity, error) {
	if len(names) == 0 {
		return append([]Commodity(nil), All...), nil
	}
	seen := make(map[Commodity]struct{}, len(names))
	out := make([]Commodity, 0, len(names))
	for _, name := range names {
		c, err := ParseCommodity(name)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// Valid reports whether c belongs to the enum.
func (c Commodity) Valid() bool {
	switch c {
	case Egg, Copra, Chicken:
		return true
	}
	return false
}

func (c Commodity) String() string { return string(c) }

// Quality marks whether a record came from a live scrape or the fallback tables.
type Quality string

const (
	QualityLive     Quality = "live"
	QualityFallback Quality = "fallback"
)

// Degraded reports whether the record was produced by a fallback fetch.
func (q Quality) Degraded() bool { return q == QualityFallback }

// Rates maps bucket names to prices. Absent buckets mean no valid price.
type Rates map[string]decimal.Decimal

// Clone returns an independent copy.
func (r Rates) Clone() Rates {
	if r == nil {
		return nil
	}
	out := make(Rates, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns bucket names in lexical order.
func (r Rates) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares bucket values numerically.
func (r Rates) Equal(other Rates) bool {
	if len(r) != len(other) {
		return false
	}
	for k, v := range r {
		o, ok := other[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// RawObservation is one scraped text triple plus an optional bucket label
// (chicken variety, egg pack size).
type RawObservation struct {
	CityText  string
	PriceText string
	DateText  string
	Label     string
}

// RateRecord is a normalized observation for one city, commodity and date.
type RateRecord struct {
	Commodity  Commodity
	City       string
	Rates      Rates
	PriceDate  time.Time
	ScrapedAt  time.Time
	Quality    Quality
	Source     string
	SourceText string
}

// Validate checks the record invariants.
func (r RateRecord) Validate() error {
	if !r.Commodity.Valid() {
		return fmt.Errorf("%w: commodity %q", ErrInvalidRecord, r.Commodity)
	}
	if strings.TrimSpace(r.City) == "" {
		return fmt.Errorf("%w: empty city", ErrInvalidRecord)
	}
	if r.PriceDate.IsZero() {
		return fmt.Errorf("%w: missing price date", ErrInvalidRecord)
	}
	if len(r.Rates) == 0 {
		return fmt.Errorf("%w: no rate buckets", ErrInvalidRecord)
	}
	for bucket, value := range r.Rates {
		if !value.IsPositive() {
			return fmt.Errorf("%w: bucket %s = %s", ErrInvalidRecord, bucket, value.String())
		}
	}
	return nil
}

// Key returns the uniqueness key of the record.
func (r RateRecord) Key() Key {
	return Key{City: r.City, Commodity: r.Commodity, PriceDate: Day(r.PriceDate, time.UTC)}
}

// Clone returns a copy that shares no maps with r.
func (r RateRecord) Clone() RateRecord {
	r.Rates = r.Rates.Clone()
	return r
}

// Key identifies a stored record.
type Key struct {
	City      string
	Commodity Commodity
	PriceDate time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Commodity, k.City, FormatDay(k.PriceDate))
}

// StoredRecord is the durable form of a RateRecord; at most one exists per Key.
type StoredRecord struct {
	RateRecord
}

// Stored wraps a record for persistence, normalizing the date and city.
func Stored(r RateRecord) StoredRecord {
	r = r.Clone()
	r.City = strings.ToLower(strings.TrimSpace(r.City))
	r.PriceDate = Day(r.PriceDate, time.UTC)
	if r.Quality == "" {
		r.Quality = QualityLive
	}
	r.ScrapedAt = r.ScrapedAt.UTC().Truncate(time.Microsecond)
	return StoredRecord{RateRecord: r}
}

// Outcome reports whether an upsert inserted or overwrote a row.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Day returns the calendar date of t in loc, expressed as midnight UTC.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDay renders a calendar date as YYYY-MM-DD.
func FormatDay(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
