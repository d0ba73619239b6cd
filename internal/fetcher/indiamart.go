package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"commodity-ratewatch/internal/rates"
)

// IndiaMartCopra scrapes supplier listings for coconut copra. Every listed
// price becomes one observation dated today; normalization reduces them to
// min, max and average.
type IndiaMartCopra struct {
	client  *Client
	baseURL string
}

var _ Fetcher = (*IndiaMartCopra)(nil)

// NewIndiaMartCopra constructs the copra fetcher.
func NewIndiaMartCopra(client *Client, baseURL string) *IndiaMartCopra {
	return &IndiaMartCopra{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (m *IndiaMartCopra) Name() string { return "indiamart" }

// Fetch returns the listed prices with their unit text attached.
func (m *IndiaMartCopra) Fetch(ctx context.Context, src Source) ([]rates.RawObservation, error) {
	pageURL := fmt.Sprintf("%s/%s/coconut-copra.html", m.baseURL, src.Slug)
	doc, err := m.client.Document(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	var out []rates.RawObservation
	doc.Find("span.prc").Each(func(_ int, price *goquery.Selection) {
		text := strings.Join(strings.Fields(price.Text()), " ")
		if text == "" {
			return
		}
		if unit := strings.TrimSpace(price.NextFiltered(".unit").Text()); unit != "" {
			text += " " + unit
		}
		out = append(out, rates.RawObservation{
			CityText:  src.City.Name,
			PriceText: text,
			Label:     rates.BucketAvgPrice,
		})
	})
	return out, nil
}
