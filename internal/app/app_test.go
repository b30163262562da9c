package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fanoutmq/internal/broker"
	"fanoutmq/internal/config"
	"fanoutmq/internal/wire"
	logx "fanoutmq/pkg/logx"
)

const testConfig = `
broker:
  max_sessions: 10
  queue_capacity: 100
  exchanges: [chat]
listen:
  addr: "127.0.0.1:0"
logging:
  level: error
journal:
  driver: file
  path: %JOURNAL%
stats:
  enabled: false
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := strings.ReplaceAll(testConfig, "%JOURNAL%", filepath.Join(dir, "journal.jsonl"))
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAppServesClients(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	c, err := wire.Dial(dctx, a.Addr(), "alice", logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	// "chat" is declared from config, so publishing works before any subscriber.
	n, err := c.Publish(dctx, "chat", []byte("hi"))
	if err != nil || n != 0 {
		t.Fatalf("publish = %d, %v", n, err)
	}
	if _, err := c.Publish(dctx, "nope", []byte("hi")); !errors.Is(err, broker.ErrUnknownExchange) {
		t.Fatalf("unknown exchange err = %v", err)
	}
	if err := c.Disconnect(dctx); err != nil {
		t.Fatal(err)
	}

	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	if st := a.Broker().Stats(); st.Sessions != 0 || st.Exchanges != 0 {
		t.Fatalf("stats after stop = %+v", st)
	}
}

func TestAppStopsOnInvariantViolation(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopFatalError)

	a.Broker().Abort(errors.New("dangling binding"))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	if err := a.Err(); err == nil || !strings.Contains(err.Error(), "dangling binding") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("broker:\n  max_sessions: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMapJournalConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     *config.JournalConfig
		enabled bool
		wantErr bool
	}{
		{"nil", nil, false, false},
		{"none", &config.JournalConfig{Driver: "none"}, false, false},
		{"file", &config.JournalConfig{Driver: "file", Path: "j.jsonl"}, true, false},
		{"sqlite", &config.JournalConfig{Driver: "SQLite", Path: "j.db", BusyTimeout: "2s"}, true, false},
		{"sqlite without path", &config.JournalConfig{Driver: "sqlite"}, false, true},
		{"bad busy timeout", &config.JournalConfig{Driver: "sqlite", Path: "j.db", BusyTimeout: "soon"}, false, true},
		{"unknown", &config.JournalConfig{Driver: "redis"}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jc, _, enabled, err := mapJournalConfig(&config.Config{Journal: tc.cfg})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if enabled != tc.enabled {
				t.Fatalf("enabled = %v", enabled)
			}
			if tc.name == "sqlite" && (jc.Driver != "sqlite" || jc.BusyTimeout != 2*time.Second) {
				t.Fatalf("config = %+v", jc)
			}
		})
	}
}

func TestMapAdminConfigDefaults(t *testing.T) {
	ac, err := mapAdminConfig(&config.Config{Admin: config.AdminConfig{Enabled: true, Token: "t"}})
	if err != nil {
		t.Fatal(err)
	}
	if ac.ReadTimeout != 5*time.Second || ac.WriteTimeout != 0 || ac.IdleTimeout != time.Minute {
		t.Fatalf("timeouts = %+v", ac)
	}
	if !ac.Enabled || ac.Token != "t" {
		t.Fatalf("config = %+v", ac)
	}
}

func TestListenAddrDefault(t *testing.T) {
	if got := listenAddr(&config.Config{}); got != config.DefaultListenAddr {
		t.Fatalf("listenAddr = %q", got)
	}
}
