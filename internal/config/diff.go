package config

import (
	"reflect"
	"sort"
	"strings"

	logx "fanoutmq/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured fields for logging. Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.Int("broker.max_sessions", newCfg.Broker.MaxSessions),
			logx.Int("broker.queue_capacity", newCfg.Broker.QueueCapacity),
			logx.Any("broker.admit_rate", newCfg.Broker.AdmitRate),
			logx.Int("broker.exchanges", len(newCfg.Broker.Exchanges)),
		)
	}

	if oldCfg.Listen != newCfg.Listen {
		changed = append(changed, "listen")
		attrs = append(attrs,
			logx.String("listen.addr", strings.TrimSpace(newCfg.Listen.Addr)),
			logx.String("listen.idle_timeout", strings.TrimSpace(newCfg.Listen.IdleTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil journal means disabled.
	var oJ, nJ JournalConfig
	if oldCfg.Journal != nil {
		oJ = *oldCfg.Journal
	}
	if newCfg.Journal != nil {
		nJ = *newCfg.Journal
	}
	if oJ != nJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", strings.TrimSpace(nJ.Driver)),
			logx.Bool("journal.path_set", strings.TrimSpace(nJ.Path) != ""),
		)
	}

	oA, nA := oldCfg.Admin, newCfg.Admin
	oTok, nTok := strings.TrimSpace(oA.Token) != "", strings.TrimSpace(nA.Token) != ""
	oA.Token, nA.Token = "", ""
	if oA != nA || oTok != nTok {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", nA.Enabled),
			logx.String("admin.addr", strings.TrimSpace(nA.Addr)),
			logx.Bool("admin.token_set", nTok),
			logx.Bool("admin.allow_insecure", nA.AllowInsecure),
		)
	}

	if oldCfg.Stats != newCfg.Stats {
		changed = append(changed, "stats")
		attrs = append(attrs,
			logx.Bool("stats.enabled", newCfg.Stats.Enabled),
			logx.String("stats.schedule", strings.TrimSpace(newCfg.Stats.Schedule)),
		)
	}

	oT, nT := oldCfg.Telegram, newCfg.Telegram
	oTTok, nTTok := oT.Token, nT.Token
	oT.Token, nT.Token = "", ""
	if oT != nT || oTTok != nTTok {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", nT.Enabled),
			logx.Int64("telegram.chat_id", nT.ChatID),
			logx.Bool("telegram.token_changed", oTTok != nTTok),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
