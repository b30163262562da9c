package app

import (
	"fmt"
	"strings"
	"time"

	"fanoutmq/internal/admin"
	"fanoutmq/internal/bridge/telegram"
	"fanoutmq/internal/broker"
	"fanoutmq/internal/config"
	"fanoutmq/internal/journal"
	"fanoutmq/internal/stats"
	"fanoutmq/internal/wire"
	logx "fanoutmq/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapBrokerConfig leaves OnFatal unset; the app installs its own.
func mapBrokerConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		MaxSessions:   cfg.Broker.MaxSessions,
		QueueCapacity: cfg.Broker.QueueCapacity,
		AdmitRate:     cfg.Broker.AdmitRate,
		AdmitBurst:    cfg.Broker.AdmitBurst,
	}
}

func listenAddr(cfg *config.Config) string {
	if a := strings.TrimSpace(cfg.Listen.Addr); a != "" {
		return a
	}
	return config.DefaultListenAddr
}

func mapServerConfig(cfg *config.Config) (wire.ServerConfig, error) {
	idle, err := config.ParseDurationField("listen.idle_timeout", cfg.Listen.IdleTimeout)
	if err != nil {
		return wire.ServerConfig{}, err
	}
	return wire.ServerConfig{IdleTimeout: idle, MaxFrame: cfg.Listen.MaxFrame}, nil
}

func mapJournalConfig(cfg *config.Config) (journal.Config, int, bool, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, 0, false, nil
	}
	jc := cfg.Journal
	driver := strings.ToLower(strings.TrimSpace(jc.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return journal.Config{}, 0, false, nil
	case "file":
		return journal.Config{Driver: "file", Path: strings.TrimSpace(jc.Path)}, jc.Buffer, true, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(jc.Path)
		if path == "" {
			return journal.Config{}, 0, false, fmt.Errorf("journal.path is required when journal.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("journal.busy_timeout", jc.BusyTimeout, time.Second)
		if err != nil {
			return journal.Config{}, 0, false, err
		}
		return journal.Config{Driver: driver, Path: path, BusyTimeout: busy}, jc.Buffer, true, nil
	default:
		return journal.Config{}, 0, false, fmt.Errorf("unknown journal.driver: %s", jc.Driver)
	}
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	read, err := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 5*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	// 0 keeps /profile usable.
	write, err := config.ParseDurationField("admin.write_timeout", a.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:              a.Enabled,
		Addr:                 a.Addr,
		PprofPrefix:          a.PprofPrefix,
		Token:                a.Token,
		AllowInsecure:        a.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
		MemProfileRate:       a.MemProfileRate,
	}, nil
}

func mapStatsConfig(cfg *config.Config) stats.Config {
	return stats.Config{
		Enabled:  cfg.Stats.Enabled,
		Schedule: cfg.Stats.Schedule,
		Timezone: cfg.Stats.Timezone,
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Enabled:     t.Enabled,
		Token:       t.Token,
		ChatID:      t.ChatID,
		Exchange:    t.Exchange,
		Username:    t.Username,
		PollTimeout: poll,
	}, nil
}
