package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"roombot/internal/dispatch"
	"roombot/internal/redact"
	"roombot/internal/trigger"
	logx "roombot/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// TriggerOptions converts the trigger section.
func (c *Config) TriggerOptions() (trigger.Options, error) {
	window, err := ParseDurationOrDefault("trigger.window", c.Trigger.Window, trigger.DefaultWindow)
	if err != nil {
		return trigger.Options{}, err
	}
	return trigger.Options{
		Pattern:          c.Trigger.Pattern,
		ReplyLinkPattern: c.Trigger.ReplyLinkPattern,
		Command:          strings.TrimSpace(c.Trigger.Command),
		Mode:             trigger.Mode(strings.ToLower(strings.TrimSpace(c.Trigger.Mode))),
		Template:         c.Trigger.Template,
		Window:           window,
	}, nil
}

// RedactOptions converts the redaction section.
func (c *Config) RedactOptions() (redact.Options, error) {
	def := redact.DefaultOptions()
	poll, err := ParseDurationOrDefault("redaction.poll_interval", c.Redaction.PollInterval, def.PollInterval)
	if err != nil {
		return redact.Options{}, err
	}
	// "0s" is a valid delay and a valid (unbounded) max_wait; only empty means default.
	delay, err := ParseDurationKeepZero("redaction.delay", c.Redaction.Delay, def.Delay)
	if err != nil {
		return redact.Options{}, err
	}
	maxWait, err := ParseDurationKeepZero("redaction.max_wait", c.Redaction.MaxWait, def.MaxWait)
	if err != nil {
		return redact.Options{}, err
	}
	return redact.Options{
		PollInterval:         poll,
		Delay:                delay,
		MaxWait:              maxWait,
		IgnoreSenderReceipts: c.Redaction.IgnoreSenderReceipts,
		MediaTypes:           c.Redaction.MediaTypes,
	}, nil
}

func (c *Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		RoomBuffer:     c.Dispatch.RoomBuffer,
		SendRatePerSec: c.Dispatch.SendRatePerSec,
	}
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
		Room: logx.RoomConfig{
			Enabled:    c.Logging.Room.Enabled,
			RoomID:     strings.TrimSpace(c.Logging.Room.RoomID),
			MinLevel:   c.Logging.Room.MinLevel,
			RatePerSec: c.Logging.Room.RatePerSec,
		},
	}
}

func (c *Config) RequestTimeout() time.Duration {
	d, err := ParseDurationOrDefault("matrix.request_timeout", c.Matrix.RequestTimeout, 3*time.Minute)
	if err != nil {
		return 3 * time.Minute
	}
	return d
}

// StorageDriver returns the normalized driver name ("none" when storage is off).
func (c *Config) StorageDriver() string {
	if c.Storage == nil {
		return "none"
	}
	d := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if d == "" {
		return "none"
	}
	return d
}

// Validate checks everything that can be checked without side effects:
// durations, log levels, patterns, the notification template, cron specs and
// listener addresses.
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error

	if _, err := ParseDurationField("matrix.request_timeout", c.Matrix.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Matrix.ReceiptCacheSize < 0 {
		errs = append(errs, fmt.Errorf("matrix.receipt_cache_size must be >= 0"))
	}

	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Room.Enabled {
		if strings.TrimSpace(c.Logging.Room.RoomID) == "" {
			errs = append(errs, fmt.Errorf("logging.room.room_id is required when enabled"))
		}
		if !logx.ValidLevel(c.Logging.Room.MinLevel) {
			errs = append(errs, fmt.Errorf("logging.room.min_level: unknown level %q", c.Logging.Room.MinLevel))
		}
	}

	if topts, err := c.TriggerOptions(); err != nil {
		errs = append(errs, err)
	} else if err := trigger.Validate(topts); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.RedactOptions(); err != nil {
		errs = append(errs, err)
	}

	if c.Dispatch.RoomBuffer < 0 {
		errs = append(errs, fmt.Errorf("dispatch.room_buffer must be >= 0"))
	}
	if c.Dispatch.SendRatePerSec < 0 {
		errs = append(errs, fmt.Errorf("dispatch.send_rate_per_sec must be >= 0"))
	}

	for path, spec := range map[string]string{
		"housekeeping.prune_schedule":  c.Housekeeping.PruneSchedule,
		"housekeeping.status_schedule": c.Housekeeping.StatusSchedule,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if tz := strings.TrimSpace(c.Housekeeping.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("housekeeping.timezone: %w", err))
		}
	}

	switch c.StorageDriver() {
	case "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", c.StorageDriver()))
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if c.Metrics.Enabled {
		host, _, err := net.SplitHostPort(strings.TrimSpace(c.Metrics.Addr))
		if err != nil {
			errs = append(errs, fmt.Errorf("metrics.addr: %w", err))
		} else if !c.Metrics.AllowInsecure && !isLoopbackHost(host) {
			errs = append(errs, fmt.Errorf("metrics.addr %q is not loopback; set allow_insecure to expose it", c.Metrics.Addr))
		}
		if p := strings.TrimSpace(c.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("metrics.path must start with /"))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
