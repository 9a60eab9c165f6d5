package config

type Config struct {
	Matrix       MatrixConfig       `json:"matrix"`
	Logging      LoggingConfig      `json:"logging"`
	Trigger      TriggerConfig      `json:"trigger"`
	Redaction    RedactionConfig    `json:"redaction"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Metrics      MetricsConfig      `json:"metrics"`
}

// MatrixConfig holds connection settings. Credentials come from the command
// line, never from this file.
type MatrixConfig struct {
	DeviceName string `json:"device_name"`
	// RequestTimeout bounds each homeserver HTTP request, including the sync long poll.
	RequestTimeout   string `json:"request_timeout"`
	ReceiptCacheSize int    `json:"receipt_cache_size"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Room    LoggingRoom `json:"room"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRoom mirrors warnings and errors into a Matrix room.
type LoggingRoom struct {
	Enabled    bool   `json:"enabled"`
	RoomID     string `json:"room_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TriggerConfig controls the monitored-content counter and the reply-link command.
//
// Template is a Go text/template with the fields .LastTriggered,
// .FirstTriggerToday and .TriggerTodayCount. Empty selects the built-in
// template for the mode.
type TriggerConfig struct {
	Pattern          string `json:"pattern"`
	ReplyLinkPattern string `json:"reply_link_pattern"`
	Command          string `json:"command"`
	Mode             string `json:"mode"` // extended | minimal
	Template         string `json:"template,omitempty"`
	Window           string `json:"window"`
}

// RedactionConfig controls delayed redaction of media.
//
// All durations are Go duration strings. max_wait "0s" waits forever for a
// first reader.
type RedactionConfig struct {
	Enabled              bool     `json:"enabled"`
	PollInterval         string   `json:"poll_interval"`
	Delay                string   `json:"delay"`
	MaxWait              string   `json:"max_wait"`
	IgnoreSenderReceipts bool     `json:"ignore_sender_receipts"`
	MediaTypes           []string `json:"media_types"`
}

type DispatchConfig struct {
	RoomBuffer     int     `json:"room_buffer"`
	SendRatePerSec float64 `json:"send_rate_per_sec"`
}

// HousekeepingConfig holds cron specs (robfig/cron syntax, descriptors allowed).
// Empty disables the job.
type HousekeepingConfig struct {
	PruneSchedule  string `json:"prune_schedule"`
	StatusSchedule string `json:"status_schedule"`
	Timezone       string `json:"timezone,omitempty"`
}

// StorageConfig controls the optional audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./roombot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // none | file | sqlite
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the Prometheus endpoint.
//
// Prefer binding to localhost. A non-loopback address requires allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path          string `json:"path,omitempty"` // default: "/metrics"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default returns the configuration used when no file is given. Files are
// decoded on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{
			DeviceName:       "roombot",
			RequestTimeout:   "3m",
			ReceiptCacheSize: 4096,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./roombot.log"},
			Room:    LoggingRoom{MinLevel: "warn", RatePerSec: 1},
		},
		Trigger: TriggerConfig{
			Pattern:          `youtube\.com/shorts`,
			ReplyLinkPattern: `<mx-reply><blockquote><a href="([^"]+)">In reply to</a>`,
			Command:          ".r",
			Mode:             "extended",
			Window:           "24h",
		},
		Redaction: RedactionConfig{
			Enabled:              true,
			PollInterval:         "1s",
			Delay:                "20s",
			MaxWait:              "24h",
			IgnoreSenderReceipts: true,
			MediaTypes:           []string{"m.image"},
		},
		Dispatch: DispatchConfig{
			RoomBuffer:     64,
			SendRatePerSec: 2,
		},
		Housekeeping: HousekeepingConfig{
			PruneSchedule:  "@every 1h",
			StatusSchedule: "@every 6h",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
	}
}
