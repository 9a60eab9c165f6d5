package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "roombot/pkg/logx"
)

// Config holds cron specs. An empty spec disables that job.
type Config struct {
	PruneSchedule  string
	StatusSchedule string
	Timezone       string
}

// Pruner drops trigger history that can no longer affect a count.
type Pruner interface {
	Prune(now time.Time) int
}

// StatusFunc returns the fields of the periodic status line.
type StatusFunc func() []logx.Field

// Service runs periodic maintenance jobs on a cron scheduler.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron

	prune  Pruner
	status StatusFunc
	now    func() time.Time
}

func New(cfg Config, log logx.Logger, prune Pruner, status StatusFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "housekeeping")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		prune:  prune,
		status: status,
		now:    time.Now,
	}
}

// Start builds the cron scheduler and registers the configured jobs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("housekeeping stopped")
}

// Apply swaps the schedules. A running scheduler is rebuilt; on error the
// previous schedules stay active.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(cfg); err != nil {
		return err
	}
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil || prev == cfg {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

// Entries returns the number of registered jobs.
func (s *Service) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return 0
	}
	return len(s.c.Entries())
}

func (s *Service) validate(cfg Config) error {
	for name, spec := range map[string]string{"prune": cfg.PruneSchedule, "status": cfg.StatusSchedule} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("housekeeping %s schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

func (s *Service) startLocked() error {
	if err := s.validate(s.cfg); err != nil {
		return err
	}
	loc := s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if spec := strings.TrimSpace(s.cfg.PruneSchedule); spec != "" && s.prune != nil {
		if _, err := c.AddFunc(spec, s.RunPrune); err != nil {
			return err
		}
	}
	if spec := strings.TrimSpace(s.cfg.StatusSchedule); spec != "" && s.status != nil {
		if _, err := c.AddFunc(spec, s.RunStatus); err != nil {
			return err
		}
	}
	c.Start()
	s.c = c
	s.log.Info("housekeeping started",
		logx.String("prune", s.cfg.PruneSchedule),
		logx.String("status", s.cfg.StatusSchedule),
		logx.String("tz", loc.String()),
	)
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// RunPrune runs the prune job once.
func (s *Service) RunPrune() {
	start := time.Now()
	n := s.prune.Prune(s.now())
	s.log.Debug("trigger history pruned", logx.Int("removed", n), logx.Duration("took", time.Since(start)))
}

// RunStatus logs one status line.
func (s *Service) RunStatus() {
	s.log.Info("status", s.status()...)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
