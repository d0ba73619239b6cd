package app

import (
	"context"
	"errors"
	"fmt"

	"commodity-ratewatch/internal/fetcher"
	"commodity-ratewatch/internal/ingest"
	"commodity-ratewatch/internal/rates"
)

// Backfill stores missing dates of [From, To] for the selected cities.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	commodity, err := rates.ParseCommodity(opts.Commodity)
	if err != nil {
		return err
	}
	if opts.To.Before(opts.From) {
		return errors.New("backfill range is empty, check --from/--to")
	}

	sc := a.Config.Source(commodity)
	cities := sc.Cities
	if len(opts.Cities) > 0 {
		cities = opts.Cities
	}
	sources := fetcher.Sources(commodity, fetcher.SourceSpec{Cities: cities, SlugOverrides: sc.SlugOverrides}, a.resolver)
	if len(sources) == 0 {
		return fmt.Errorf("no known cities to backfill for %s", commodity)
	}

	store, closeStore, err := a.openStore(ctx, opts.DryRun)
	if err != nil {
		return err
	}
	defer closeStore()

	orchestrator := a.newOrchestrator(store, a.newRegistry(), nil)

	var total ingest.BackfillResult
	failed := 0
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := orchestrator.Backfill(ctx, src, opts.From, opts.To)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("pair", src.String()).Msg("backfill failed")
			continue
		}
		total.Fetched += res.Fetched
		total.Written += res.Written
		total.AlreadyStored += res.AlreadyStored
		total.OutOfRange += res.OutOfRange
		total.Rejected += res.Rejected
	}

	a.Logger.Info().
		Int("written", total.Written).
		Int("already_stored", total.AlreadyStored).
		Int("failed", failed).
		Msg("backfill finished")
	fmt.Fprintf(a.Out, "%s: fetched=%d written=%d already_stored=%d out_of_range=%d rejected=%d failed_cities=%d\n",
		commodity, total.Fetched, total.Written, total.AlreadyStored, total.OutOfRange, total.Rejected, failed)
	if failed > 0 {
		return fmt.Errorf("%w: %d", ErrPairsFailed, failed)
	}
	return nil
}
