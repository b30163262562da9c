package config

// Config is the daemon configuration. All durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Broker   BrokerConfig   `json:"broker"`
	Listen   ListenConfig   `json:"listen"`
	Logging  LoggingConfig  `json:"logging"`
	Journal  *JournalConfig `json:"journal,omitempty"`
	Admin    AdminConfig    `json:"admin,omitempty"`
	Stats    StatsConfig    `json:"stats,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// BrokerConfig controls admission and queue limits. Zero means unlimited.
//
// Exchanges are declared as fanout at startup so clients can publish before
// any subscriber shows up.
type BrokerConfig struct {
	MaxSessions   int      `json:"max_sessions"`
	QueueCapacity int      `json:"queue_capacity"`
	AdmitRate     float64  `json:"admit_rate,omitempty"`
	AdmitBurst    int      `json:"admit_burst,omitempty"`
	Exchanges     []string `json:"exchanges,omitempty"`
}

// ListenConfig controls the client-facing TCP listener.
//
// Defaults:
//   - addr: "127.0.0.1:5673"
//   - idle_timeout: "0s" (disabled)
//   - max_frame: 1 MiB
type ListenConfig struct {
	Addr        string `json:"addr"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
	MaxFrame    int    `json:"max_frame,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JournalConfig controls the optional lifecycle journal. Nil disables it.
//
// Example:
//
//	"journal": { "driver": "sqlite", "path": "./fanoutd_journal.db" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Buffer      int    `json:"buffer,omitempty"`       // eventbus subscription buffer
}

// AdminConfig controls the optional diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`         // default: "127.0.0.1:6060"
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`        // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /profile (which can take 30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// StatsConfig controls the periodic stats report and topology check.
type StatsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 1m"
	Timezone string `json:"timezone,omitempty"`
}

// TelegramConfig controls the optional chat relay.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	Exchange string `json:"exchange,omitempty"` // default "chat"
	Username string `json:"username,omitempty"` // default "telegram"
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}
