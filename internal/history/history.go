package history

import (
	"sort"
	"time"

	"commodity-ratewatch/internal/rates"
)

// Window is the default number of days a city history retains.
const Window = 30

// Merger folds fresh scrapes into a bounded per-city history.
type Merger struct {
	window int
}

// NewMerger returns a merger keeping at most window entries.
func NewMerger(window int) *Merger {
	if window <= 0 {
		window = Window
	}
	return &Merger{window: window}
}

// Window returns the configured cap.
func (m *Merger) Window() int { return m.window }

// Merge returns existing untouched when it already holds today or when fresh
// is empty. Otherwise it returns the union of both, one entry per date with
// existing entries winning, sorted newest first and capped to the window.
func (m *Merger) Merge(existing, fresh []rates.RateRecord, today time.Time) []rates.RateRecord {
	if len(fresh) == 0 || Contains(existing, today) {
		return existing
	}

	byDate := make(map[string]rates.RateRecord, len(existing)+len(fresh))
	for _, rec := range existing {
		key := rates.FormatDay(rec.PriceDate)
		if _, ok := byDate[key]; !ok {
			byDate[key] = rec
		}
	}
	for _, rec := range fresh {
		key := rates.FormatDay(rec.PriceDate)
		if _, ok := byDate[key]; !ok {
			byDate[key] = rec
		}
	}

	merged := make([]rates.RateRecord, 0, len(byDate))
	for _, rec := range byDate {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].PriceDate.After(merged[j].PriceDate)
	})

	if len(merged) > m.window {
		merged = merged[:m.window]
	}
	return merged
}

var defaultMerger = NewMerger(Window)

// Merge applies the default 30-day merger.
func Merge(existing, fresh []rates.RateRecord, today time.Time) []rates.RateRecord {
	return defaultMerger.Merge(existing, fresh, today)
}

// Contains reports whether h holds an entry for day.
func Contains(h []rates.RateRecord, day time.Time) bool {
	key := rates.FormatDay(day)
	for _, rec := range h {
		if rates.FormatDay(rec.PriceDate) == key {
			return true
		}
	}
	return false
}

// Added returns the entries of after whose date is absent from before,
// newest first. These are the records a merge requires writing through.
func Added(before, after []rates.RateRecord) []rates.RateRecord {
	seen := make(map[string]struct{}, len(before))
	for _, rec := range before {
		seen[rates.FormatDay(rec.PriceDate)] = struct{}{}
	}
	var out []rates.RateRecord
	for _, rec := range after {
		if _, ok := seen[rates.FormatDay(rec.PriceDate)]; ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// FromStored rebuilds a descending history from stored records in any order.
func FromStored(records []rates.StoredRecord) []rates.RateRecord {
	out := make([]rates.RateRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.RateRecord)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PriceDate.After(out[j].PriceDate)
	})
	return out
}

// Valid reports whether h is strictly descending by date, has unique dates
// and does not exceed window entries.
func Valid(h []rates.RateRecord, window int) bool {
	if window > 0 && len(h) > window {
		return false
	}
	for i := 1; i < len(h); i++ {
		if !h[i-1].PriceDate.After(h[i].PriceDate) {
			return false
		}
	}
	return true
}
