package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "fanoutmq/pkg/logx"
)

const sampleYAML = `
broker:
  max_sessions: 100
  queue_capacity: 1024
  exchanges: [chat, alerts]
listen:
  addr: "127.0.0.1:5673"
logging:
  level: debug
  console: true
journal:
  driver: sqlite
  path: ./journal.db
stats:
  enabled: true
  schedule: "@every 30s"
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	fromYAML, err := Decode("fanoutd.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if fromYAML.Broker.MaxSessions != 100 || fromYAML.Broker.QueueCapacity != 1024 {
		t.Fatalf("broker = %+v", fromYAML.Broker)
	}
	if got := strings.Join(fromYAML.Broker.Exchanges, ","); got != "chat,alerts" {
		t.Fatalf("exchanges = %q", got)
	}
	if fromYAML.Journal == nil || fromYAML.Journal.Driver != "sqlite" {
		t.Fatalf("journal = %+v", fromYAML.Journal)
	}

	fromJSON, err := Decode("fanoutd.json", []byte(`{"broker":{"max_sessions":100,"queue_capacity":1024,"exchanges":["chat","alerts"]},"listen":{"addr":"127.0.0.1:5673"},"logging":{"level":"debug","console":true},"journal":{"driver":"sqlite","path":"./journal.db"},"stats":{"enabled":true,"schedule":"@every 30s"}}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if hashConfig(fromYAML) != hashConfig(fromJSON) {
		t.Fatal("yaml and json decode differently")
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{"unknown json key", "c.json", `{"broker":{"max_sesions":1}}`},
		{"unknown yaml key", "c.yml", "listen:\n  adress: x\n"},
		{"trailing data", "c.json", `{"listen":{}} {"listen":{}}`},
		{"bad yaml", "c.yaml", "broker: [\n"},
		{"wrong type", "c.json", `{"broker":{"max_sessions":"many"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"zero config", Config{}, ""},
		{"negative capacity", Config{Broker: BrokerConfig{QueueCapacity: -1}}, "queue_capacity"},
		{"duplicate exchange", Config{Broker: BrokerConfig{Exchanges: []string{"chat", "chat"}}}, "duplicate"},
		{"empty exchange", Config{Broker: BrokerConfig{Exchanges: []string{" "}}}, "empty"},
		{"bad listen addr", Config{Listen: ListenConfig{Addr: "nohost"}}, "listen.addr"},
		{"bad idle timeout", Config{Listen: ListenConfig{IdleTimeout: "soon"}}, "listen.idle_timeout"},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"bad journal driver", Config{Journal: &JournalConfig{Driver: "redis"}}, "journal.driver"},
		{"bad cron", Config{Stats: StatsConfig{Enabled: true, Schedule: "every minute"}}, "stats.schedule"},
		{"descriptor cron", Config{Stats: StatsConfig{Enabled: true, Schedule: "@every 1m"}}, ""},
		{"telegram without token", Config{Telegram: TelegramConfig{Enabled: true, ChatID: 1}}, "telegram.token"},
		{"telegram without chat", Config{Telegram: TelegramConfig{Enabled: true, Token: "t"}}, "telegram.chat_id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := Validate(context.Background(), &cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " "); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}

func TestSummarizeConfigChangeHidesTokens(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Admin: AdminConfig{Token: "old-secret"}}
	newCfg := &Config{
		Admin:  AdminConfig{Token: "new-secret"},
		Broker: BrokerConfig{MaxSessions: 5},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "broker" {
		t.Fatalf("changed = %q", got)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config changed", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("token leaked: %s", buf.String())
	}

	newCfg.Telegram.Token = "x"
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "broker,telegram" {
		t.Fatalf("changed = %q", got)
	}
}

func TestManagerLoadValidates(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fanoutd.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  queue_capacity: -5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetValidator(Validate)
	if _, err := m.Load(); err == nil {
		t.Fatal("invalid config loaded")
	}
	if m.Get() != nil {
		t.Fatal("invalid config committed")
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fanoutd.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"broker":{"max_sessions":1}}`)

	m := NewConfigManager(path)
	m.SetValidator(Validate)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Keep rewriting until the watcher is up and the change lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-updates:
			if cfg.Broker.MaxSessions != 2 {
				t.Fatalf("max_sessions = %d", cfg.Broker.MaxSessions)
			}
			if m.Get().Broker.MaxSessions != 2 {
				t.Fatal("update not committed")
			}
			return
		case <-tick.C:
			write(`{"broker":{"max_sessions":2}}`)
		case <-deadline:
			t.Fatal("no config update")
		}
	}
}

func TestManagerReloadSkipsUnchangedAndInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "fanoutd.json")
	if err := os.WriteFile(path, []byte(`{"listen":{"addr":"127.0.0.1:1"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	m.SetValidator(Validate)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatal("unchanged config published")
	}
	if err := os.WriteFile(path, []byte(`{"listen":{"addr":"broken"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(context.Background()) {
		t.Fatal("invalid config published")
	}
	if m.Get().Listen.Addr != "127.0.0.1:1" {
		t.Fatalf("addr = %q", m.Get().Listen.Addr)
	}
}
