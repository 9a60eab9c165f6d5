package config

import (
	"reflect"
	"sort"
	"strings"

	logx "roombot/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"matrix":  true,
	"storage": true,
	"metrics": true,
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging, and (3) the changed sections that
// need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Matrix != newCfg.Matrix {
		changed = append(changed, "matrix")
		attrs = append(attrs,
			logx.String("matrix.device_name", newCfg.Matrix.DeviceName),
			logx.String("matrix.request_timeout", strings.TrimSpace(newCfg.Matrix.RequestTimeout)),
			logx.Int("matrix.receipt_cache_size", newCfg.Matrix.ReceiptCacheSize),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.room_enabled", newCfg.Logging.Room.Enabled),
			logx.String("logging.room_min_level", newCfg.Logging.Room.MinLevel),
		)
	}

	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.String("trigger.pattern", newCfg.Trigger.Pattern),
			logx.String("trigger.command", newCfg.Trigger.Command),
			logx.String("trigger.mode", newCfg.Trigger.Mode),
			logx.Bool("trigger.custom_template", strings.TrimSpace(newCfg.Trigger.Template) != ""),
			logx.String("trigger.window", strings.TrimSpace(newCfg.Trigger.Window)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redaction, newCfg.Redaction) {
		changed = append(changed, "redaction")
		attrs = append(attrs,
			logx.Bool("redaction.enabled", newCfg.Redaction.Enabled),
			logx.String("redaction.poll_interval", strings.TrimSpace(newCfg.Redaction.PollInterval)),
			logx.String("redaction.delay", strings.TrimSpace(newCfg.Redaction.Delay)),
			logx.String("redaction.max_wait", strings.TrimSpace(newCfg.Redaction.MaxWait)),
			logx.Bool("redaction.ignore_sender_receipts", newCfg.Redaction.IgnoreSenderReceipts),
			logx.String("redaction.media_types", strings.Join(newCfg.Redaction.MediaTypes, ",")),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.room_buffer", newCfg.Dispatch.RoomBuffer),
			logx.Float64("dispatch.send_rate_per_sec", newCfg.Dispatch.SendRatePerSec),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.prune_schedule", newCfg.Housekeeping.PruneSchedule),
			logx.String("housekeeping.status_schedule", newCfg.Housekeeping.StatusSchedule),
			logx.String("housekeeping.timezone", newCfg.Housekeeping.Timezone),
		)
	}

	// Nil means disabled. Paths may be sensitive; only report whether set.
	var oDriver, nDriver, oBusy, nBusy string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oBusy, oPath = oldCfg.StorageDriver(), strings.TrimSpace(oldCfg.Storage.BusyTimeout), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nBusy, nPath = newCfg.StorageDriver(), strings.TrimSpace(newCfg.Storage.BusyTimeout), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.allow_insecure", newCfg.Metrics.AllowInsecure),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
