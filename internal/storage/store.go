package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commodity-ratewatch/internal/rates"
)

var (
	// ErrNotFound indicates a point query matched no record. It is a normal outcome.
	ErrNotFound = errors.New("storage: record not found")
	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("storage: store unavailable")
	// ErrInvalidRecord is returned when a record violates the rate invariants.
	ErrInvalidRecord = errors.New("storage: invalid record")
	// ErrNotConfigured indicates the store handle was not initialised.
	ErrNotConfigured = errors.New("storage: not configured")
)

// PriceStore persists rate records keyed by (city, commodity, price_date).
type PriceStore interface {
	// Upsert inserts or overwrites the record for its key.
	Upsert(ctx context.Context, rec rates.StoredRecord) (rates.Outcome, error)
	// GetLatest returns one record per city holding the newest price date,
	// ties broken by the newest scrape. An empty city means all cities.
	GetLatest(ctx context.Context, commodity rates.Commodity, city string) ([]rates.StoredRecord, error)
	// GetByDate returns ErrNotFound if no record exists for the key.
	GetByDate(ctx context.Context, commodity rates.Commodity, city string, date time.Time) (rates.StoredRecord, error)
	// GetByRange returns records in [start, end] ascending by price date.
	GetByRange(ctx context.Context, commodity rates.Commodity, city string, start, end time.Time) ([]rates.StoredRecord, error)
	// GetAvailableCities returns the sorted distinct cities with stored records.
	GetAvailableCities(ctx context.Context, commodity rates.Commodity) ([]string, error)
	Close() error
}

// AdvisoryLocker exposes cross-process run exclusion.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Migrator creates or upgrades the backing schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Unavailable wraps a connectivity failure so callers can match ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err stems from an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// CityKey normalises a city argument to its stored lowercase form.
func CityKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

// Prepare validates a record before writing it.
func Prepare(rec rates.StoredRecord) (rates.StoredRecord, error) {
	rec = rates.Stored(rec.RateRecord)
	if err := rec.Validate(); err != nil {
		return rates.StoredRecord{}, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return rec, nil
}

// EncodeRates serialises buckets as a JSON object of decimal strings.
func EncodeRates(r rates.Rates) ([]byte, error) {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v.String()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode rates: %w", err)
	}
	return data, nil
}

// DecodeRates parses the EncodeRates format.
func DecodeRates(data []byte) (rates.Rates, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	out := make(rates.Rates, len(raw))
	for k, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("decode rate %s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

// LatestPerCity reduces records to the newest one per city, sorted by city.
func LatestPerCity(records []rates.StoredRecord) []rates.StoredRecord {
	best := make(map[string]rates.StoredRecord)
	for _, rec := range records {
		cur, ok := best[rec.City]
		if !ok || newer(rec, cur) {
			best[rec.City] = rec
		}
	}
	out := make([]rates.StoredRecord, 0, len(best))
	for _, rec := range best {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].City < out[j].City })
	return out
}

func newer(a, b rates.StoredRecord) bool {
	if !a.PriceDate.Equal(b.PriceDate) {
		return a.PriceDate.After(b.PriceDate)
	}
	return a.ScrapedAt.After(b.ScrapedAt)
}
