package store

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CleanupScheduler periodically sweeps a Store with CleanupOldStates.
type CleanupScheduler struct {
	cron *cron.Cron
	st   Store
	days int
}

// StartCleanupScheduler runs st.CleanupOldStates(days) on spec, a standard
// five-field cron expression (e.g. "0 3 * * *" for daily at 03:00). Errors
// from a sweep are logged, not fatal — the schedule keeps running.
func StartCleanupScheduler(st Store, spec string, days int) (*CleanupScheduler, error) {
	c := cron.New()
	s := &CleanupScheduler{cron: c, st: st, days: days}

	_, err := c.AddFunc(spec, func() {
		n, err := st.CleanupOldStates(context.Background(), days)
		if err != nil {
			log.Error().Err(err).Msg("store: cleanup sweep failed")
			return
		}
		log.Info().Int("removed", n).Int("days", days).Msg("store: cleanup sweep complete")
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	return s, nil
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *CleanupScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
