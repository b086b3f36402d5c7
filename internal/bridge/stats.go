package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/store"
)

// statsRetryInterval is how long to wait after a failed recalculation before
// trying again.
const statsRetryInterval = time.Hour

// StatsScheduler recomputes the archive-wide statistics once a day at a fixed
// local hour. The numbers are expensive on large archives, so handlers only
// ever read the cached copy.
type StatsScheduler struct {
	store store.Store
	hour  int
	loc   *time.Location
}

// NewStatsScheduler creates a scheduler firing at hour (0-23) in the given
// IANA timezone. An unknown timezone falls back to UTC.
func NewStatsScheduler(st store.Store, hour int, timezone string) *StatsScheduler {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		log.Warn().Str("timezone", timezone).Msg("unknown timezone, statistics scheduled in UTC")
		loc = time.UTC
	}
	return &StatsScheduler{store: st, hour: hour, loc: loc}
}

// Run blocks until the context is canceled. A missing cache triggers an
// immediate first computation.
func (s *StatsScheduler) Run(ctx context.Context) {
	if _, err := s.store.GetCachedStatistics(ctx); errors.Is(err, store.ErrNotFound) {
		s.compute(ctx)
	}

	for {
		wait := time.Until(s.nextRun(time.Now().In(s.loc)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if !s.compute(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(statsRetryInterval):
				s.compute(ctx)
			}
		}
	}
}

func (s *StatsScheduler) compute(ctx context.Context) bool {
	start := time.Now()
	stats, err := s.store.ComputeStatistics(ctx)
	if err != nil {
		log.Error().Err(err).Msg("statistics recalculation failed")
		return false
	}
	log.Info().
		Int64("chats", stats.Chats).
		Int64("messages", stats.Messages).
		Dur("took", time.Since(start)).
		Msg("statistics recalculated")
	return true
}

// nextRun returns the next occurrence of the configured hour strictly after
// now.
func (s *StatsScheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
