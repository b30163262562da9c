// Package stats periodically logs broker counters and checks topology
// invariants on a cron schedule.
package stats

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"fanoutmq/internal/broker"
	logx "fanoutmq/pkg/logx"
)

const DefaultSchedule = "@every 1m"

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

// Source is the part of the broker the reporter reads.
type Source interface {
	Stats() broker.Stats
	Verify() error
	Abort(err error)
}

type Reporter struct {
	src    Source
	log    logx.Logger
	parser cron.Parser

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	loc *time.Location

	// runMu guards the counters RunOnce updates. The cron job never takes mu,
	// since Apply holds mu while waiting for a running job to finish.
	runMu sync.Mutex
	last  broker.Stats
	runs  uint64
}

func New(src Source, cfg Config, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		src:    src,
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || !r.cfg.Enabled {
		return nil
	}
	return r.startLocked()
}

func (r *Reporter) startLocked() error {
	loc := loadLocation(r.cfg.Timezone)
	c := cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(schedule(r.cfg), func() { r.RunOnce() }); err != nil {
		return err
	}
	r.c, r.loc = c, loc
	c.Start()
	r.log.Info("stats reporter started", logx.String("schedule", schedule(r.cfg)), logx.String("tz", loc.String()))
	return nil
}

func (r *Reporter) stopLocked() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.c = nil
}

func (r *Reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("stats reporter stopped")
}

// Apply restarts the cron when the schedule, timezone or enablement changed.
func (r *Reporter) Apply(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cfg
	r.cfg = cfg
	running := r.c != nil
	switch {
	case !cfg.Enabled:
		r.stopLocked()
		return nil
	case running && schedule(old) == schedule(cfg) && strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone):
		return nil
	}
	r.stopLocked()
	return r.startLocked()
}

// RunOnce logs a report and verifies the topology. A violation is handed to
// Abort.
func (r *Reporter) RunOnce() {
	st := r.src.Stats()

	r.runMu.Lock()
	prev := r.last
	r.last = st
	r.runs++
	r.runMu.Unlock()

	r.log.Info("broker stats",
		logx.Int("sessions", st.Sessions),
		logx.Int("exchanges", st.Exchanges),
		logx.Int("queues", st.Queues),
		logx.Int("bindings", st.Bindings),
		logx.String("published", humanize.Comma(int64(st.Published))),
		logx.String("published_delta", humanize.Comma(int64(st.Published-prev.Published))),
		logx.String("delivered", humanize.Comma(int64(st.Delivered))),
		logx.String("dropped", humanize.Comma(int64(st.Dropped))),
		logx.String("bytes", humanize.Bytes(st.PublishedBytes)),
	)
	if st.Dropped > prev.Dropped {
		r.log.Warn("messages dropped on full queues", logx.Uint64("count", st.Dropped-prev.Dropped))
	}

	if err := r.src.Verify(); err != nil {
		r.src.Abort(err)
	}
}

// Runs returns how many reports were produced.
func (r *Reporter) Runs() uint64 {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.runs
}

func schedule(cfg Config) string {
	if s := strings.TrimSpace(cfg.Schedule); s != "" {
		return s
	}
	return DefaultSchedule
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}
