// Package ingest runs the per-pair ingestion state machine over a worker pool.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"commodity-ratewatch/internal/alerting"
	"commodity-ratewatch/internal/city"
	"commodity-ratewatch/internal/fetcher"
	"commodity-ratewatch/internal/history"
	"commodity-ratewatch/internal/logging"
	"commodity-ratewatch/internal/metrics"
	"commodity-ratewatch/internal/normalize"
	"commodity-ratewatch/internal/rates"
	"commodity-ratewatch/internal/storage"
)

// Options tune an orchestrator.
type Options struct {
	Workers      int
	Window       int
	FetchTimeout time.Duration
	Location     *time.Location
	LockKey      int64
	Channels     []string
	Now          func() time.Time
}

// Deps are the collaborators of an orchestrator. Only Store is required.
type Deps struct {
	Store    storage.PriceStore
	Live     fetcher.Registry
	Fallback fetcher.Fetcher
	Resolver *city.Resolver
	Notifier alerting.Notifier
	Metrics  *metrics.Metrics
}

// Orchestrator drives ingestion runs.
type Orchestrator struct {
	store    storage.PriceStore
	live     fetcher.Registry
	fallback fetcher.Fetcher
	resolver *city.Resolver
	merger   *history.Merger
	notifier alerting.Notifier
	metrics  *metrics.Metrics
	locker   storage.AdvisoryLocker
	opts     Options
	logger   zerolog.Logger
}

// New constructs an orchestrator.
func New(deps Deps, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Window <= 0 {
		opts.Window = history.Window
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Resolver == nil {
		deps.Resolver = city.Default()
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Orchestrator{
		store:    deps.Store,
		live:     deps.Live,
		fallback: deps.Fallback,
		resolver: deps.Resolver,
		merger:   history.NewMerger(opts.Window),
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		locker:   locker,
		opts:     opts,
		logger:   logging.Component(logger, "ingest"),
	}
}

// Run processes every source of plan once. The returned error is reserved for
// failures that prevent the run from starting; per-pair failures are counted
// in Report.Failed.
func (o *Orchestrator) Run(ctx context.Context, plan []fetcher.Source) (*Report, error) {
	if o.store == nil {
		return nil, storage.Unavailable("ingest", storage.ErrNotConfigured)
	}

	started := o.opts.Now().UTC()
	report := &Report{
		RunID:   uuid.NewString(),
		Started: started,
		Today:   rates.Day(started, o.opts.Location),
	}
	logger := o.logger.With().Str("run_id", report.RunID).Logger()

	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	if !proceed {
		report.LockHeld = true
		report.Finished = o.opts.Now().UTC()
		logger.Info().Msg("skip run because advisory lock held elsewhere")
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	logger.Info().Int("pairs", len(plan)).Str("today", rates.FormatDay(report.Today)).Msg("ingestion run started")

	results := make([]PairResult, len(plan))
	ran := make([]bool, len(plan))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, src := range plan {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ran[i] = true
			results[i] = o.processPair(detached, logger, src, report.Today, started)
			return nil
		})
	}
	_ = g.Wait()

	for i, ok := range ran {
		if ok {
			report.Pairs = append(report.Pairs, results[i])
		} else {
			report.NotStarted++
		}
	}
	report.Finished = o.opts.Now().UTC()

	status := "success"
	switch {
	case report.Failed() > 0:
		status = "failed"
	case report.NotStarted > 0:
		status = "cancelled"
	}
	o.metrics.Run(status, report.Finished, report.Finished.Sub(report.Started))

	logger.Info().
		Str("status", status).
		Int("done", report.Count(StateDone)).
		Int("skipped", report.Count(StateSkipped)).
		Int("no_data", report.Count(StateNoData)).
		Int("failed", report.Failed()).
		Int("not_started", report.NotStarted).
		Int("written", report.Written()).
		Dur("elapsed", report.Finished.Sub(report.Started)).
		Msg("ingestion run finished")

	o.notify(detached, logger, report)
	return report, nil
}

func (o *Orchestrator) processPair(ctx context.Context, runLogger zerolog.Logger, src fetcher.Source, today, scrapedAt time.Time) (res PairResult) {
	res = PairResult{Commodity: src.Commodity, City: src.City.ID}
	res.enter(StateIdle)
	logger := runLogger.With().Str("commodity", src.Commodity.String()).Str("city", src.City.ID).Logger()
	if !src.City.Known {
		logger.Debug().Str("name", src.City.Name).Msg("city not in alias table, using raw name")
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("panic in state %s: %v", res.State, r)
		}
		if !res.State.Terminal() {
			res = failPair(res, res.Err)
		}
		o.metrics.Pair(src.Commodity.String(), string(res.State))
		event := logger.Info()
		if res.State == StateFailed {
			event = logger.Error().Err(res.Err)
		}
		event.Str("state", string(res.State)).
			Str("quality", string(res.Quality)).
			Int("created", res.Created).
			Int("updated", res.Updated).
			Int("rejected", res.Rejected).
			Msg("pair processed")
	}()

	res.enter(StateCheckExisting)
	_, err := o.store.GetByDate(ctx, src.Commodity, src.City.ID, today)
	switch {
	case err == nil:
		res.enter(StateSkipped)
		return res
	case !errors.Is(err, storage.ErrNotFound):
		return failPair(res, fmt.Errorf("check existing: %w", err))
	}

	windowStart := today.AddDate(0, 0, -(o.merger.Window() - 1))
	stored, err := o.store.GetByRange(ctx, src.Commodity, src.City.ID, windowStart, today)
	if err != nil {
		return failPair(res, fmt.Errorf("load history: %w", err))
	}
	existing := history.FromStored(stored)

	res.enter(StateFetching)
	var fresh []rates.RateRecord
	live, err := o.live.Lookup(src.Commodity)
	if err == nil {
		var obs []rates.RawObservation
		obs, err = o.fetch(ctx, live, src)
		if err == nil && len(obs) > 0 {
			res.enter(StateNormalizing)
			fresh = o.normalize(&res, live.Name(), rates.QualityLive, src, obs, windowStart, today, scrapedAt)
		}
	}
	if len(fresh) > 0 {
		res.Quality = rates.QualityLive
	} else {
		logger.Warn().Err(err).Msg("live source produced nothing, using fallback")
		if o.fallback == nil {
			res.enter(StateNoData)
			return res
		}
		res.enter(StateFallbackFetch)
		obs, fbErr := o.fetch(ctx, o.fallback, src)
		if fbErr != nil || len(obs) == 0 {
			if fbErr != nil {
				logger.Warn().Err(fbErr).Msg("fallback fetch failed")
			}
			res.enter(StateNoData)
			return res
		}
		res.enter(StateNormalizing)
		fresh = o.normalize(&res, o.fallback.Name(), rates.QualityFallback, src, obs, windowStart, today, scrapedAt)
		if len(fresh) == 0 {
			res.enter(StateNoData)
			return res
		}
		res.Quality = rates.QualityFallback
	}

	res.enter(StateMerging)
	merged := o.merger.Merge(existing, fresh, today)
	pending := history.Added(existing, merged)
	if len(pending) == 0 {
		res.enter(StateNoData)
		return res
	}

	res.enter(StatePersisting)
	for _, rec := range pending {
		outcome, err := o.store.Upsert(ctx, rates.Stored(rec))
		if err != nil {
			if errors.Is(err, storage.ErrInvalidRecord) {
				res.Rejected++
				logger.Warn().Err(err).Str("price_date", rates.FormatDay(rec.PriceDate)).Msg("record rejected by store")
				continue
			}
			return failPair(res, fmt.Errorf("persist %s: %w", rates.FormatDay(rec.PriceDate), err))
		}
		o.metrics.Upsert(src.Commodity.String(), string(outcome))
		if outcome == rates.OutcomeCreated {
			res.Created++
		} else {
			res.Updated++
		}
	}

	res.enter(StateDone)
	return res
}

func failPair(res PairResult, err error) PairResult {
	res.Err = err
	res.enter(StateFailed)
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, f fetcher.Fetcher, src fetcher.Source) ([]rates.RawObservation, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	begin := time.Now()
	obs, err := f.Fetch(fetchCtx, src)
	o.metrics.Fetch(f.Name(), time.Since(begin), err)
	return obs, err
}

// normalize keeps the records of the pair's city dated within [from, to].
func (o *Orchestrator) normalize(res *PairResult, source string, quality rates.Quality, src fetcher.Source, obs []rates.RawObservation, from, to, scrapedAt time.Time) []rates.RateRecord {
	records, rejected := normalize.Batch(src.Commodity, obs, o.resolver, normalize.BatchOptions{
		ScrapedAt: scrapedAt,
		Location:  o.opts.Location,
		Source:    source,
		Quality:   quality,
	})
	res.Rejected += len(rejected)
	o.metrics.Rejected(src.Commodity.String(), len(rejected))

	out := make([]rates.RateRecord, 0, len(records))
	for _, rec := range records {
		if rec.City != src.City.ID {
			continue
		}
		if rec.PriceDate.Before(from) || rec.PriceDate.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (o *Orchestrator) notify(ctx context.Context, logger zerolog.Logger, report *Report) {
	if o.notifier == nil {
		return
	}
	for _, c := range report.Commodities() {
		s := report.Summarise(c)
		note := alerting.Notification{
			RunID:        report.RunID,
			Commodity:    c.String(),
			Success:      s.Success(),
			Timestamp:    report.Finished,
			Stored:       s.Stored,
			Skipped:      s.Skipped,
			NoData:       s.NoData,
			Degraded:     s.Degraded,
			Failed:       s.Failed,
			FailedCities: s.FailedCities,
			Channels:     o.opts.Channels,
		}
		if err := o.notifier.Notify(ctx, note); err != nil {
			logger.Error().Err(err).Str("commodity", c.String()).Msg("failed to dispatch notification")
		}
	}
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.LockKey == 0 || o.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.locker.TryAdvisoryLock(ctx, o.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
