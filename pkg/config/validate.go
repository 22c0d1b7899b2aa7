package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nearlinedata/nlds/internal/db"
)

var validLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "WARNING": true, "ERROR": true,
}

// Validate checks the configuration for contradictions a worker could not
// recover from at runtime.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if !validLevels[strings.ToUpper(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level %q is not one of DEBUG, INFO, WARN, ERROR", cfg.Logging.Level)
	}
	if f := strings.ToLower(cfg.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("logging.format %q is not text or json", cfg.Logging.Format)
	}

	// The back-off sequence must be non-decreasing: a later retry never
	// waits less than an earlier one.
	for i := 1; i < len(cfg.General.RetryDelays); i++ {
		if cfg.General.RetryDelays[i] < cfg.General.RetryDelays[i-1] {
			return fmt.Errorf("general.retry_delays must be non-decreasing: entry %d (%s) < entry %d (%s)",
				i, cfg.General.RetryDelays[i], i-1, cfg.General.RetryDelays[i-1])
		}
	}

	for section, d := range map[string]*db.Config{
		"catalog_q": &cfg.Catalog.Database,
		"monitor_q": &cfg.Monitor.Database,
	} {
		switch d.Engine {
		case db.EngineSQLite, db.EnginePostgres:
		default:
			return fmt.Errorf("%s.db_engine %q is not sqlite or postgres", section, d.Engine)
		}
		if d.Engine == db.EnginePostgres && d.Postgres.Host == "" {
			return fmt.Errorf("%s uses postgres but no host is configured", section)
		}
	}

	if cfg.Index.FilelistMaxLength < 1 {
		return fmt.Errorf("index_q.filelist_max_length must be at least 1")
	}
	return nil
}
