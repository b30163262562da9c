package config

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"

	logx "fanoutmq/pkg/logx"
)

const DefaultListenAddr = "127.0.0.1:5673"

// Validate checks a parsed config. It is installed as the ConfigManager
// validator so a bad edit never replaces a running config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	b := cfg.Broker
	if b.MaxSessions < 0 {
		return fmt.Errorf("broker.max_sessions must be >= 0")
	}
	if b.QueueCapacity < 0 {
		return fmt.Errorf("broker.queue_capacity must be >= 0")
	}
	if b.AdmitRate < 0 {
		return fmt.Errorf("broker.admit_rate must be >= 0")
	}
	if b.AdmitBurst < 0 {
		return fmt.Errorf("broker.admit_burst must be >= 0")
	}
	seen := map[string]struct{}{}
	for i, name := range b.Exchanges {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("broker.exchanges[%d] is empty", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("broker.exchanges: duplicate %q", name)
		}
		seen[name] = struct{}{}
	}

	if addr := strings.TrimSpace(cfg.Listen.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("listen.addr: %w", err)
		}
	}
	if _, err := ParseDurationField("listen.idle_timeout", cfg.Listen.IdleTimeout); err != nil {
		return err
	}
	if cfg.Listen.MaxFrame < 0 {
		return fmt.Errorf("listen.max_frame must be >= 0")
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if j := cfg.Journal; j != nil {
		switch strings.ToLower(strings.TrimSpace(j.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			return fmt.Errorf("journal.driver: unknown driver %q", j.Driver)
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			return err
		}
		if j.Buffer < 0 {
			return fmt.Errorf("journal.buffer must be >= 0")
		}
	}

	a := cfg.Admin
	for _, f := range []struct{ path, raw string }{
		{"admin.read_timeout", a.ReadTimeout},
		{"admin.write_timeout", a.WriteTimeout},
		{"admin.idle_timeout", a.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if p := strings.TrimSpace(a.PprofPrefix); p != "" && !strings.HasPrefix(p, "/") {
		return fmt.Errorf("admin.pprof_prefix must start with /")
	}

	if cfg.Stats.Enabled {
		if err := validateSchedule(cfg.Stats.Schedule); err != nil {
			return fmt.Errorf("stats.schedule: %w", err)
		}
	}

	if t := cfg.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("telegram.token is required when telegram.enabled")
		}
		if t.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram.enabled")
		}
		if _, err := ParseDurationField("telegram.poll_timeout", t.PollTimeout); err != nil {
			return err
		}
	}
	return nil
}

func validateSchedule(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := p.Parse(spec)
	return err
}
