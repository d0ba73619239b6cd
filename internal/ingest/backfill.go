package ingest

import (
	"context"
	"fmt"
	"time"

	"commodity-ratewatch/internal/fetcher"
	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

// BackfillResult counts what a backfill did with the fetched history.
type BackfillResult struct {
	Fetched       int
	Written       int
	AlreadyStored int
	OutOfRange    int
	Rejected      int
}

// Backfill fetches the live history of src and stores the records dated in
// [from, to] that are not stored yet. Stored dates are never re-written.
func (o *Orchestrator) Backfill(ctx context.Context, src fetcher.Source, from, to time.Time) (BackfillResult, error) {
	var result BackfillResult
	if o.store == nil {
		return result, storage.Unavailable("backfill", storage.ErrNotConfigured)
	}
	from = rates.Day(from, time.UTC)
	to = rates.Day(to, time.UTC)
	if to.Before(from) {
		return result, fmt.Errorf("backfill: end %s before start %s", rates.FormatDay(to), rates.FormatDay(from))
	}

	logger := o.logger.With().
		Str("commodity", src.Commodity.String()).
		Str("city", src.City.ID).
		Str("from", rates.FormatDay(from)).
		Str("to", rates.FormatDay(to)).
		Logger()

	live, err := o.live.Lookup(src.Commodity)
	if err != nil {
		return result, err
	}

	stored, err := o.store.GetByRange(ctx, src.Commodity, src.City.ID, from, to)
	if err != nil {
		return result, fmt.Errorf("load stored dates: %w", err)
	}
	have := make(map[string]struct{}, len(stored))
	for _, rec := range stored {
		have[rates.FormatDay(rec.PriceDate)] = struct{}{}
	}

	obs, err := o.fetch(ctx, live, src)
	if err != nil {
		return result, fmt.Errorf("fetch history: %w", err)
	}

	var pair PairResult
	all := o.normalize(&pair, live.Name(), rates.QualityLive, src, obs, time.Time{}, rates.Day(o.opts.Now(), o.opts.Location), o.opts.Now().UTC())
	result.Rejected = pair.Rejected
	result.Fetched = len(all)

	for _, rec := range all {
		if rec.PriceDate.Before(from) || rec.PriceDate.After(to) {
			result.OutOfRange++
			continue
		}
		if _, ok := have[rates.FormatDay(rec.PriceDate)]; ok {
			result.AlreadyStored++
			continue
		}
		outcome, err := o.store.Upsert(ctx, rates.Stored(rec))
		if err != nil {
			return result, fmt.Errorf("persist %s: %w", rates.FormatDay(rec.PriceDate), err)
		}
		o.metrics.Upsert(src.Commodity.String(), string(outcome))
		have[rates.FormatDay(rec.PriceDate)] = struct{}{}
		result.Written++
	}

	logger.Info().
		Int("fetched", result.Fetched).
		Int("written", result.Written).
		Int("already_stored", result.AlreadyStored).
		Int("out_of_range", result.OutOfRange).
		Msg("backfill finished")
	return result, nil
}
