package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"commodity-ratewatch/internal/rates"
)

// EggPriceToday scrapes the per-city daily egg rate tables, which carry up
// to a month of history.
type EggPriceToday struct {
	client  *Client
	baseURL string
}

var _ Fetcher = (*EggPriceToday)(nil)

// NewEggPriceToday constructs the egg fetcher.
func NewEggPriceToday(client *Client, baseURL string) *EggPriceToday {
	return &EggPriceToday{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (e *EggPriceToday) Name() string { return "eggpricetoday" }

// Fetch returns one single-egg observation per table row.
func (e *EggPriceToday) Fetch(ctx context.Context, src Source) ([]rates.RawObservation, error) {
	pageURL := fmt.Sprintf("%s/%s-egg-rate-today", e.baseURL, src.Slug)
	doc, err := e.client.Document(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	tables := doc.Find("table")
	if tables.Length() == 0 {
		return nil, failed("%s: no price table", pageURL)
	}

	var out []rates.RawObservation
	tables.First().Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")
		if cells.Length() < 2 {
			return
		}
		out = append(out, rates.RawObservation{
			CityText:  src.City.Name,
			DateText:  strings.TrimSpace(cells.Eq(0).Text()),
			PriceText: strings.TrimSpace(cells.Eq(1).Text()),
			Label:     rates.BucketSingleEgg,
		})
	})
	return out, nil
}
