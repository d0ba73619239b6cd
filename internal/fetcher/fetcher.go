package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/rates"
)

// ErrFetchFailed marks a network, status or page-structure failure of a live source.
var ErrFetchFailed = errors.New("fetcher: fetch failed")

// Source identifies one (commodity, city) pair to scrape.
type Source struct {
	Commodity rates.Commodity
	City      city.City
	// Slug is the city segment used in source URLs.
	Slug string
}

func (s Source) String() string {
	return fmt.Sprintf("%s/%s", s.Commodity, s.City.ID)
}

// Fetcher returns raw observations for a source. An empty result with a nil
// error means the source had nothing for this pair.
type Fetcher interface {
	Fetch(ctx context.Context, src Source) ([]rates.RawObservation, error)
	Name() string
}

// Registry maps each commodity to its live fetcher.
type Registry map[rates.Commodity]Fetcher

// Lookup returns the fetcher registered for a commodity.
func (r Registry) Lookup(c rates.Commodity) (Fetcher, error) {
	f, ok := r[c]
	if !ok || f == nil {
		return nil, fmt.Errorf("%w: no fetcher registered for %s", ErrFetchFailed, c)
	}
	return f, nil
}

// SourceSpec lists the cities of one commodity and their URL slug overrides.
type SourceSpec struct {
	Cities        []string
	SlugOverrides map[string]string
}

// Sources resolves configured city names into canonical sources.
func Sources(commodity rates.Commodity, spec SourceSpec, resolver *city.Resolver) []Source {
	if resolver == nil {
		resolver = city.Default()
	}
	seen := make(map[string]struct{}, len(spec.Cities))
	out := make([]Source, 0, len(spec.Cities))
	for _, raw := range spec.Cities {
		c, ok := resolver.Resolve(raw)
		if !ok {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		slug := c.Slug()
		if override, ok := spec.SlugOverrides[c.ID]; ok && strings.TrimSpace(override) != "" {
			slug = strings.TrimSpace(override)
		}
		out = append(out, Source{Commodity: commodity, City: c, Slug: slug})
	}
	return out
}

func failed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFetchFailed, fmt.Sprintf(format, args...))
}
