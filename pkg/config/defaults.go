package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nearlinedata/nlds/pkg/archive"
	"github.com/nearlinedata/nlds/pkg/transfer"
)

// ApplyDefaults fills every unset option with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	cfg.API.ApplyDefaults()
	cfg.RPC.ApplyDefaults()
	cfg.Router.ApplyDefaults()
	cfg.Index.ApplyDefaults()
	cfg.Catalog.Config.ApplyDefaults()
	cfg.Catalog.Database.ApplyDefaults("nlds_catalog.db")
	if cfg.Monitor.QueueName == "" {
		cfg.Monitor.QueueName = "monitor_q"
	}
	cfg.Monitor.Database.ApplyDefaults("nlds_monitor.db")
	cfg.TransferPut.ApplyDefaults(transfer.DefaultPutQueueName)
	cfg.TransferGet.ApplyDefaults(transfer.DefaultGetQueueName)
	cfg.ArchivePut.ApplyDefaults(archive.DefaultPutQueueName)
	cfg.ArchiveGet.ApplyDefaults(archive.DefaultGetQueueName)
	cfg.Logq.ApplyDefaults()

	// Stage sections inherit the endpoint defaults unless overridden.
	if cfg.API.DefaultTenancy == "" {
		cfg.API.DefaultTenancy = cfg.ObjectStore.Tenancy
	}
	if cfg.Catalog.DefaultTenancy == "" {
		cfg.Catalog.DefaultTenancy = cfg.ObjectStore.Tenancy
	}
	if cfg.Catalog.DefaultTapeURL == "" {
		cfg.Catalog.DefaultTapeURL = cfg.Tape.URL
	}
	if cfg.TransferPut.Tenancy == "" {
		cfg.TransferPut.Tenancy = cfg.ObjectStore.Tenancy
	}
	if cfg.TransferGet.Tenancy == "" {
		cfg.TransferGet.Tenancy = cfg.ObjectStore.Tenancy
	}
	if cfg.ArchivePut.TapeURL == "" {
		cfg.ArchivePut.TapeURL = cfg.Tape.URL
	}
	if cfg.ArchiveGet.TapeURL == "" {
		cfg.ArchiveGet.TapeURL = cfg.Tape.URL
	}

	retry := cfg.General.Retry()
	for _, mr := range []*int{
		&cfg.Index.MaxRetries, &cfg.Catalog.MaxRetries,
		&cfg.TransferPut.MaxRetries, &cfg.TransferGet.MaxRetries,
		&cfg.ArchivePut.MaxRetries, &cfg.ArchiveGet.MaxRetries,
	} {
		if *mr == 0 {
			*mr = retry.MaxRetries
		}
	}
}

// Default returns the fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// defaultConfigYAML is the commented template written by the init command.
// Every value shown equals the built-in default.
const defaultConfigYAML = `# NLDS service configuration.
#
# Any option can be overridden through the environment with the NLDS_
# prefix, e.g. NLDS_CATALOG_Q_DEFAULT_TENANCY.

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text, json
  output: stderr     # stdout, stderr, or a file path

metrics:
  enabled: true
  port: 9090

api:
  bind: ":8000"

general:
  # Back-off table indexed by the per-file retry counter.
  # Bare numbers are seconds; strings use Go duration syntax.
  retry_delays: [0, 30, 60, 3600, 86400, 432000]
  max_retries: 5

rpc_publisher:
  time_limit: 30s
  queue_exclusivity: true

object_store:
  tenancy: ""              # S3-compatible endpoint host
  require_secure_fl: true  # verify TLS certificates

tape:
  tape_url: ""       # root://netloc/rootdir
  posix_dir: ""      # set to emulate tape on a local directory
  stage_delay: 0s    # emulated staging latency

index_q:
  filelist_max_length: 1000
  filelist_max_size: 500GB
  max_filesize: 500GB
  check_permissions_fl: true

catalog_q:
  db_engine: sqlite
  sqlite:
    path: nlds_catalog.db

monitor_q:
  db_engine: sqlite
  sqlite:
    path: nlds_monitor.db

transfer_put_q: {}
transfer_get_q:
  chown_fl: false
  chown_cmd: ""

archive_put_q:
  max_aggregate_size: 5Gi
archive_get_q:
  prepare_requeue_delay: 30000
  query_checksum_fl: true

logging_q:
  directory: /var/log/nlds
  max_size_mb: 32
  max_backups: 5
`

// WriteDefault writes the commented default configuration template.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// Credentials may be added by operators later; keep the file private.
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
