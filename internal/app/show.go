package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"commodity-ratewatch/internal/rates"
)

// Show prints the latest stored record per city.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	commodity, err := rates.ParseCommodity(opts.Commodity)
	if err != nil {
		return err
	}
	cityID := ""
	if opts.City != "" {
		c, ok := a.resolver.Resolve(opts.City)
		if !ok {
			return fmt.Errorf("unknown city %q", opts.City)
		}
		cityID = c.ID
	}

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.GetLatest(ctx, commodity, cityID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "City\tDate\tRates\tQuality\tSource\tScraped")
	for _, rec := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.resolver.Lookup(rec.City).Name,
			rates.FormatDay(rec.PriceDate),
			formatRates(rec.Rates),
			rec.Quality,
			rec.Source,
			humanize.Time(rec.ScrapedAt),
		)
	}
	return writer.Flush()
}

func formatRates(r rates.Rates) string {
	parts := make([]string, 0, len(r))
	for _, k := range r.Keys() {
		parts = append(parts, k+"="+r[k].StringFixed(2))
	}
	return sanitizeInline(strings.Join(parts, " "))
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
