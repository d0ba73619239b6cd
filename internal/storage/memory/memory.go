package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

// Store is an in-process PriceStore used for tests and dry runs.
type Store struct {
	mu      sync.RWMutex
	records map[string]rates.StoredRecord
	closed  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]rates.StoredRecord)}
}

var _ storage.PriceStore = (*Store)(nil)

// Upsert stores a copy of rec under its key.
func (s *Store) Upsert(ctx context.Context, rec rates.StoredRecord) (rates.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.Unavailable("memory upsert", err)
	}
	rec, err := storage.Prepare(rec)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", storage.Unavailable("memory upsert", storage.ErrNotConfigured)
	}

	key := rec.Key().String()
	_, exists := s.records[key]
	s.records[key] = rec
	if exists {
		return rates.OutcomeUpdated, nil
	}
	return rates.OutcomeCreated, nil
}

// GetLatest returns the newest record per city.
func (s *Store) GetLatest(ctx context.Context, commodity rates.Commodity, city string) ([]rates.StoredRecord, error) {
	city = storage.CityKey(city)
	matches, err := s.filter(ctx, func(rec rates.StoredRecord) bool {
		return rec.Commodity == commodity && (city == "" || rec.City == city)
	})
	if err != nil {
		return nil, err
	}
	return storage.LatestPerCity(matches), nil
}

// GetByDate returns the record for the key or storage.ErrNotFound.
func (s *Store) GetByDate(ctx context.Context, commodity rates.Commodity, city string, date time.Time) (rates.StoredRecord, error) {
	if err := s.check(ctx); err != nil {
		return rates.StoredRecord{}, err
	}
	key := rates.Key{City: storage.CityKey(city), Commodity: commodity, PriceDate: rates.Day(date, time.UTC)}

	s.mu.RLock()
	rec, ok := s.records[key.String()]
	s.mu.RUnlock()
	if !ok {
		return rates.StoredRecord{}, storage.ErrNotFound
	}
	return rates.StoredRecord{RateRecord: rec.Clone()}, nil
}

// GetByRange returns records in [start, end] ordered by date.
func (s *Store) GetByRange(ctx context.Context, commodity rates.Commodity, city string, start, end time.Time) ([]rates.StoredRecord, error) {
	from, to := rates.Day(start, time.UTC), rates.Day(end, time.UTC)
	city = storage.CityKey(city)
	matches, err := s.filter(ctx, func(rec rates.StoredRecord) bool {
		return rec.Commodity == commodity && rec.City == city &&
			!rec.PriceDate.Before(from) && !rec.PriceDate.After(to)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].PriceDate.Before(matches[j].PriceDate) })
	return matches, nil
}

// GetAvailableCities lists cities with at least one record.
func (s *Store) GetAvailableCities(ctx context.Context, commodity rates.Commodity) ([]string, error) {
	matches, err := s.filter(ctx, func(rec rates.StoredRecord) bool { return rec.Commodity == commodity })
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(matches))
	cities := make([]string, 0, len(matches))
	for _, rec := range matches {
		if _, ok := seen[rec.City]; ok {
			continue
		}
		seen[rec.City] = struct{}{}
		cities = append(cities, rec.City)
	}
	sort.Strings(cities)
	return cities, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store unavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("memory query", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Unavailable("memory query", storage.ErrNotConfigured)
	}
	return nil
}

func (s *Store) filter(ctx context.Context, keep func(rates.StoredRecord) bool) ([]rates.StoredRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rates.StoredRecord, 0)
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rates.StoredRecord{RateRecord: rec.Clone()})
		}
	}
	return out, nil
}
