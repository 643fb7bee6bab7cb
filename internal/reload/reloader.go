// Package reload coalesces many subscription-change notifications into a
// single debounced reload run, so a burst of individual subscribe/
// unsubscribe calls never triggers one broker re-plan per call.
package reload

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ReloadFunc performs one reload run. Errors are logged and swallowed: a
// failed reload must never corrupt the reloader's pending state or stop
// future triggers from being serviced.
type ReloadFunc func(ctx context.Context) error

// Config bounds the reloader's debounce/coalescing behavior.
type Config struct {
	Debounce    time.Duration // wait this long after the last trigger before reloading
	MaxDebounce time.Duration // ceiling on how far repeated triggers can push the wait out
	MinGap      time.Duration // minimum time between the start of two reload runs
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = time.Second
	}
	if c.MaxDebounce <= 0 {
		c.MaxDebounce = 10 * time.Second
	}
	if c.MinGap <= 0 {
		c.MinGap = 5 * time.Second
	}
	return c
}

// Reloader coalesces Trigger() calls, grounded on the same
// buffered-channel-of-1 coalescing idiom used elsewhere in this codebase
// for "wake up and check for work" signaling, extended with a
// re-extending debounce timer and a minimum gap between reload starts.
type Reloader struct {
	cfg     Config
	reload  ReloadFunc
	log     zerolog.Logger
	trigger chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Reloader. Run must be started (typically via
// reliability.TaskMonitor.Spawn) before Trigger has any effect.
func New(cfg Config, reload ReloadFunc, log zerolog.Logger) *Reloader {
	return &Reloader{
		cfg:     cfg.withDefaults(),
		reload:  reload,
		log:     log.With().Str("component", "subscription_reloader").Logger(),
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Trigger requests a reload. Non-blocking: any number of calls within a
// debounce window coalesce into exactly one reload run.
func (r *Reloader) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run drives the debounce/min-gap state machine until ctx is cancelled or
// Stop is called.
func (r *Reloader) Run(ctx context.Context) error {
	defer close(r.doneCh)

	var lastReloadStart time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		case <-r.trigger:
		}

		deadline := time.Now().Add(r.cfg.Debounce)
		hardDeadline := time.Now().Add(r.cfg.MaxDebounce)

		for {
			wait := time.Until(deadline)
			if wait <= 0 {
				break
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-r.stopCh:
				timer.Stop()
				return nil
			case <-timer.C:
			case <-r.trigger:
				timer.Stop()
				next := time.Now().Add(r.cfg.Debounce)
				if next.Before(hardDeadline) {
					deadline = next
				} else {
					deadline = hardDeadline
				}
				continue
			}
			break
		}

		if gap := r.cfg.MinGap - time.Since(lastReloadStart); gap > 0 && !lastReloadStart.IsZero() {
			timer := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-r.stopCh:
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}

		lastReloadStart = time.Now()
		if err := r.reload(ctx); err != nil {
			r.log.Warn().Err(err).Msg("reload run failed; pending state preserved for next trigger")
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (r *Reloader) Stop() {
	close(r.stopCh)
	<-r.doneCh
}
