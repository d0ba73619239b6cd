package api

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

// Record is the wire form of a stored rate record.
type Record struct {
	City       string            `json:"city"`
	CityName   string            `json:"city_name"`
	Commodity  string            `json:"commodity"`
	PriceDate  string            `json:"price_date"`
	Rates      map[string]string `json:"rates"`
	ScrapedAt  time.Time         `json:"scraped_at"`
	Quality    string            `json:"quality"`
	Source     string            `json:"source,omitempty"`
	SourceText string            `json:"source_text,omitempty"`
}

// Queries answers read requests from the price store through a short-lived
// cache. Cache misses and errors always go to the store.
type Queries struct {
	store    storage.PriceStore
	resolver *city.Resolver
	cache    *expirable.LRU[string, any]
}

// NewQueries builds the query layer. A non-positive size disables caching.
func NewQueries(store storage.PriceStore, resolver *city.Resolver, cacheSize int, cacheTTL time.Duration) *Queries {
	if resolver == nil {
		resolver = city.Default()
	}
	q := &Queries{store: store, resolver: resolver}
	if cacheSize > 0 {
		q.cache = expirable.NewLRU[string, any](cacheSize, nil, cacheTTL)
	}
	return q
}

// Invalidate drops every cached response. Called after ingestion writes.
func (q *Queries) Invalidate() {
	if q.cache != nil {
		q.cache.Purge()
	}
}

// CityID canonicalizes a city query value. Empty input stays empty.
func (q *Queries) CityID(raw string) string {
	c, ok := q.resolver.Resolve(raw)
	if !ok {
		return ""
	}
	return c.ID
}

// Latest returns the newest record per city, or for one city.
func (q *Queries) Latest(ctx context.Context, commodity rates.Commodity, cityID string) ([]Record, error) {
	key := fmt.Sprintf("latest|%s|%s", commodity, cityID)
	return cached(q, key, func() ([]Record, error) {
		recs, err := q.store.GetLatest(ctx, commodity, cityID)
		if err != nil {
			return nil, err
		}
		return q.views(recs), nil
	})
}

// ByDate returns the record of one city and date, or storage.ErrNotFound.
func (q *Queries) ByDate(ctx context.Context, commodity rates.Commodity, cityID string, date time.Time) (Record, error) {
	key := fmt.Sprintf("date|%s|%s|%s", commodity, cityID, rates.FormatDay(date))
	return cached(q, key, func() (Record, error) {
		rec, err := q.store.GetByDate(ctx, commodity, cityID, date)
		if err != nil {
			return Record{}, err
		}
		return q.view(rec), nil
	})
}

// Range returns the records of one city in [start, end], oldest first.
func (q *Queries) Range(ctx context.Context, commodity rates.Commodity, cityID string, start, end time.Time) ([]Record, error) {
	key := fmt.Sprintf("range|%s|%s|%s|%s", commodity, cityID, rates.FormatDay(start), rates.FormatDay(end))
	return cached(q, key, func() ([]Record, error) {
		recs, err := q.store.GetByRange(ctx, commodity, cityID, start, end)
		if err != nil {
			return nil, err
		}
		return q.views(recs), nil
	})
}

// Cities lists the cities that have stored records.
func (q *Queries) Cities(ctx context.Context, commodity rates.Commodity) ([]string, error) {
	key := fmt.Sprintf("cities|%s", commodity)
	return cached(q, key, func() ([]string, error) {
		return q.store.GetAvailableCities(ctx, commodity)
	})
}

func cached[T any](q *Queries, key string, load func() (T, error)) (T, error) {
	if q.cache != nil {
		if v, ok := q.cache.Get(key); ok {
			if typed, ok := v.(T); ok {
				return typed, nil
			}
		}
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if q.cache != nil {
		q.cache.Add(key, v)
	}
	return v, nil
}

func (q *Queries) views(recs []rates.StoredRecord) []Record {
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, q.view(rec))
	}
	return out
}

func (q *Queries) view(rec rates.StoredRecord) Record {
	buckets := make(map[string]string, len(rec.Rates))
	for k, v := range rec.Rates {
		buckets[k] = v.String()
	}
	return Record{
		City:       rec.City,
		CityName:   q.resolver.Lookup(rec.City).Name,
		Commodity:  rec.Commodity.String(),
		PriceDate:  rates.FormatDay(rec.PriceDate),
		Rates:      buckets,
		ScrapedAt:  rec.ScrapedAt,
		Quality:    string(rec.Quality),
		Source:     rec.Source,
		SourceText: rec.SourceText,
	}
}
