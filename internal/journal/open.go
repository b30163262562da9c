package journal

import (
	"fmt"
	"strings"

	logx "fanoutmq/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) if the
// journal is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	log = log.With(logx.String("journal", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown journal driver: %s", driver)
	}
}
