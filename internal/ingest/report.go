package ingest

import (
	"sort"
	"time"

	"commodity-ratewatch/internal/rates"
)

// State is a step of the per-pair state machine.
type State string

const (
	StateIdle          State = "idle"
	StateCheckExisting State = "check_existing"
	StateSkipped       State = "skipped"
	StateFetching      State = "fetching"
	StateFallbackFetch State = "fallback_fetch"
	StateNormalizing   State = "normalizing"
	StateMerging       State = "merging"
	StatePersisting    State = "persisting"
	StateDone          State = "done"
	StateFailed        State = "failed"
	StateNoData        State = "no_data"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateSkipped, StateDone, StateFailed, StateNoData:
		return true
	}
	return false
}

// PairResult is the outcome of one (city, commodity) pair.
type PairResult struct {
	Commodity rates.Commodity
	City      string
	State     State
	// Path lists every state the pair passed through, ending in State.
	Path     []State
	Quality  rates.Quality
	Created  int
	Updated  int
	Rejected int
	Err      error
}

// Degraded reports whether the pair's records came from the fallback provider.
func (p PairResult) Degraded() bool { return p.Quality.Degraded() }

// Written is the number of upserted records.
func (p PairResult) Written() int { return p.Created + p.Updated }

func (p *PairResult) enter(s State) {
	p.State = s
	p.Path = append(p.Path, s)
}

// Report summarises one ingestion run.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Today    time.Time
	Pairs    []PairResult
	// LockHeld is set when another process held the run lock and nothing ran.
	LockHeld bool
	// NotStarted counts pairs left unprocessed after cancellation.
	NotStarted int
}

// Count returns the number of pairs that ended in state s.
func (r *Report) Count(s State) int {
	n := 0
	for _, p := range r.Pairs {
		if p.State == s {
			n++
		}
	}
	return n
}

// Failed is the aggregate failure count callers propagate.
func (r *Report) Failed() int { return r.Count(StateFailed) }

// Written is the total number of upserted records.
func (r *Report) Written() int {
	n := 0
	for _, p := range r.Pairs {
		n += p.Written()
	}
	return n
}

// Commodities lists the commodities present in the report in processing order.
func (r *Report) Commodities() []rates.Commodity {
	seen := make(map[rates.Commodity]struct{})
	var out []rates.Commodity
	for _, p := range r.Pairs {
		if _, ok := seen[p.Commodity]; ok {
			continue
		}
		seen[p.Commodity] = struct{}{}
		out = append(out, p.Commodity)
	}
	return out
}

// Summary aggregates the pairs of one commodity.
type Summary struct {
	Commodity    rates.Commodity
	Stored       int
	Skipped      int
	NoData       int
	Degraded     int
	Failed       int
	FailedCities []string
}

// Success holds when no pair of the commodity failed.
func (s Summary) Success() bool { return s.Failed == 0 }

// Summarise aggregates the pairs of commodity c.
func (r *Report) Summarise(c rates.Commodity) Summary {
	s := Summary{Commodity: c}
	for _, p := range r.Pairs {
		if p.Commodity != c {
			continue
		}
		s.Stored += p.Written()
		if p.Degraded() {
			s.Degraded++
		}
		switch p.State {
		case StateSkipped:
			s.Skipped++
		case StateNoData:
			s.NoData++
		case StateFailed:
			s.Failed++
			s.FailedCities = append(s.FailedCities, p.City)
		}
	}
	sort.Strings(s.FailedCities)
	return s
}
