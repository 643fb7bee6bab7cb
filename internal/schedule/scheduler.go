// Package schedule runs daily-or-slower wall-clock jobs (instrument
// registry refresh, bootstrap re-arm) on the IST trading calendar. Anything
// faster than daily uses a plain time.Ticker in its own package instead.
package schedule

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/marketcalendar"
)

// Scheduler manages background jobs anchored to IST wall-clock time.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler whose cron expressions evaluate in IST, so a
// "15 0 * * *" job fires just past the trading-calendar day boundary no
// matter where the process runs.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(marketcalendar.Location())),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers fn under an IST cron schedule. Job errors are logged,
// never propagated: a failed daily refresh retries tomorrow.
func (s *Scheduler) AddJob(schedule, name string, fn func() error) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.log.Debug().Str("job", name).Msg("running job")
		if err := fn(); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", name).Msg("job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", name).Msg("job registered")
	return nil
}
