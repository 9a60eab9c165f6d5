package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"roombot/pkg/logx"
)

// healthyRun is how long a restarted goroutine must stay up before its
// backoff resets.
const healthyRun = 30 * time.Second

type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithPublishFirstError records restart failures as the supervisor's error.
// Off by default: a restarting goroutine is expected to fail now and then.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or counts as a failure and restarts.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it after failures or panics, with jittered
// exponential backoff, until the supervisor context ends.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	if !cfg.stopOnCleanExit {
		inner := fn
		fn = func(ctx context.Context) error {
			if err := inner(ctx); err != nil || ctx.Err() != nil {
				return err
			}
			return errors.New("exited")
		}
	}

	s.spawn(func() {
		backoff := cfg.minBackoff
		for attempt := 0; ; attempt++ {
			if s.ctx.Err() != nil {
				return
			}
			began := time.Now()
			err := s.runOnce(name, attempt > 0, fn)
			if err == nil || s.ctx.Err() != nil {
				return
			}
			if cfg.publishFirstErr {
				s.fail(err)
			}
			if time.Since(began) >= healthyRun {
				backoff = cfg.minBackoff
			}
			wait := backoff + rand.N(backoff/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}
