package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/rates"
)

// ChickenVarieties lists the variety pages scraped per run and the label each
// contributes.
var ChickenVarieties = []struct {
	Slug  string
	Label string
}{
	{"boneless-chicken", "Boneless Chicken"},
	{"chicken", "Chicken"},
	{"chicken-liver", "Chicken Liver"},
	{"country-chicken", "Country Chicken"},
	{"live-chicken", "Live Chicken"},
	{"skinless-chicken", "Skinless Chicken"},
}

// cityPrice is one row of a variety page.
type cityPrice struct {
	city  string
	price string
}

// OneIndiaChicken scrapes the all-India variety pages. A page lists every
// city, so pages are cached and shared across the sources of one run.
type OneIndiaChicken struct {
	client   *Client
	baseURL  string
	resolver *city.Resolver
	pages    *expirable.LRU[string, []cityPrice]
	group    singleflight.Group
}

var _ Fetcher = (*OneIndiaChicken)(nil)

// NewOneIndiaChicken constructs the chicken fetcher.
func NewOneIndiaChicken(client *Client, baseURL string, resolver *city.Resolver, cacheSize int, cacheTTL time.Duration) *OneIndiaChicken {
	if resolver == nil {
		resolver = city.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 64
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &OneIndiaChicken{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		resolver: resolver,
		pages:    expirable.NewLRU[string, []cityPrice](cacheSize, nil, cacheTTL),
	}
}

func (o *OneIndiaChicken) Name() string { return "oneindia" }

// Fetch returns one observation per variety listing the source city. It fails
// only when no variety page could be loaded.
func (o *OneIndiaChicken) Fetch(ctx context.Context, src Source) ([]rates.RawObservation, error) {
	var (
		out     []rates.RawObservation
		lastErr error
		loaded  int
	)
	for _, v := range ChickenVarieties {
		rows, err := o.page(ctx, v.Slug)
		if err != nil {
			lastErr = err
			continue
		}
		loaded++
		for _, row := range rows {
			c, ok := o.resolver.Resolve(row.city)
			if !ok || c.ID != src.City.ID {
				continue
			}
			out = append(out, rates.RawObservation{
				CityText:  row.city,
				PriceText: row.price,
				Label:     v.Label,
			})
			break
		}
	}
	if loaded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

func (o *OneIndiaChicken) page(ctx context.Context, slug string) ([]cityPrice, error) {
	pageURL := fmt.Sprintf("%s/%s-price-in-india.html", o.baseURL, slug)
	if rows, ok := o.pages.Get(pageURL); ok {
		return rows, nil
	}

	v, err, _ := o.group.Do(pageURL, func() (interface{}, error) {
		doc, err := o.client.Document(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		rows := parseCityTable(doc)
		if len(rows) == 0 {
			return nil, failed("%s: no city rows", pageURL)
		}
		o.pages.Add(pageURL, rows)
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]cityPrice), nil
}

func parseCityTable(doc *goquery.Document) []cityPrice {
	var rows []cityPrice
	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		name := strings.TrimSpace(cells.Eq(0).Text())
		price := strings.Join(strings.Fields(cells.Eq(1).Text()), " ")
		if name == "" || price == "" {
			return
		}
		rows = append(rows, cityPrice{city: name, price: price})
	})
	return rows
}
