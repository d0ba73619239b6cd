package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"commodity-ratewatch/internal/rates"
)

// Export renders the stored history of one city as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	commodity, err := rates.ParseCommodity(opts.Commodity)
	if err != nil {
		return err
	}
	c, ok := a.resolver.Resolve(opts.City)
	if !ok {
		return fmt.Errorf("unknown city %q", opts.City)
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := rates.Day(time.Now(), a.location())
	if opts.To != nil {
		to = rates.Day(*opts.To, time.UTC)
	}
	from := to.AddDate(0, 0, -a.Config.Ingestion.HistoryWindow+1)
	if opts.From != nil {
		from = rates.Day(*opts.From, time.UTC)
	}
	if to.Before(from) {
		return errors.New("from must not be after to")
	}

	store, closeStore, err := a.openStore(ctx, false)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.GetByRange(ctx, commodity, c.ID, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("city", c.ID).Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	buckets := exportBuckets(downsampled, opts.Bucket)
	if len(buckets) == 0 {
		return fmt.Errorf("bucket %q has no stored values", opts.Bucket)
	}
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled, buckets); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s prices in %s", commodity, c.Name)
		if err := writeRecordsPNG(opts.PNGPath, title, downsampled, buckets); err != nil {
			return err
		}
	}
	return nil
}

func downsampleRecords(records []rates.StoredRecord, max int) []rates.StoredRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]rates.StoredRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

// exportBuckets lists the buckets present in records, or only the requested one.
func exportBuckets(records []rates.StoredRecord, only string) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec.Rates {
			seen[k] = struct{}{}
		}
	}
	if only != "" {
		if _, ok := seen[only]; !ok {
			return nil
		}
		return []string{only}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func writeRecordsCSV(path string, records []rates.StoredRecord, buckets []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := append([]string{"price_date", "city", "commodity"}, buckets...)
	header = append(header, "quality", "source", "scraped_at")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{rates.FormatDay(rec.PriceDate), rec.City, rec.Commodity.String()}
		for _, b := range buckets {
			v, ok := rec.Rates[b]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, v.String())
		}
		row = append(row, string(rec.Quality), rec.Source, rec.ScrapedAt.UTC().Format(time.RFC3339))
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRecordsPNG(path, title string, records []rates.StoredRecord, buckets []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	series := make([]chart.Series, 0, len(buckets))
	for _, b := range buckets {
		var (
			x []time.Time
			y []float64
		)
		for _, rec := range records {
			v, ok := rec.Rates[b]
			if !ok {
				continue
			}
			x = append(x, rec.PriceDate)
			y = append(y, v.InexactFloat64())
		}
		if len(x) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: b, XValues: x, YValues: y})
	}
	if len(series) == 0 {
		return errors.New("at least two dated values are needed to draw a chart")
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price (INR)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
