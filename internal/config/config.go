package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration, loaded from environment variables.
//
// Different CLI operations need different subsets of these — see
// RequireFor — so none of the fields carry envDefault except the two
// that genuinely have sane defaults (the bind interface and the
// status/metrics listen address).
type Config struct {
	// Consul
	ConsulBindInterface   string `env:"CONSUL_BIND_INTERFACE"`
	ConsulBootstrapServer string `env:"CONSUL_BOOTSTRAP_SERVER"`

	// MinIO / S3
	MinioURL       string `env:"MINIO_URL"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`

	// MySQL operational accounts
	MySQLRootPassword        string `env:"MYSQL_ROOT_PASSWORD"`
	MySQLBackupUser          string `env:"MYSQL_BACKUP_USER"`
	MySQLBackupPassword      string `env:"MYSQL_BACKUP_PASSWORD"`
	MySQLReplicationUser     string `env:"MYSQL_REPLICATION_USER"`
	MySQLReplicationPassword string `env:"MYSQL_REPLICATION_PASSWORD"`
	MySQLApplicationUser     string `env:"MYSQL_APPLICATION_USER"`
	MySQLApplicationPassword string `env:"MYSQL_APPLICATION_PASSWORD"`

	// Node identity — the interface whose first IPv4 address is this
	// node's identity in the cluster.
	MCMBindInterface string `env:"MCM_BIND_INTERFACE" envDefault:"eth0"`

	// Local supervisor HTTP surface (health + metrics only).
	ListenAddr string `env:"MCM_LISTEN_ADDR" envDefault:"0.0.0.0:8070"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// requirement names one environment variable and its current value, for
// RequireFor's missing-variable check.
type requirement struct {
	name  string
	value string
}

// RequireFor returns an error naming the first missing environment
// variable required for the given CLI operation, or nil if all are
// present.
func (c *Config) RequireFor(operation string) error {
	bootstrapCommon := []requirement{
		{"CONSUL_BIND_INTERFACE", c.ConsulBindInterface},
		{"CONSUL_BOOTSTRAP_SERVER", c.ConsulBootstrapServer},
		{"MINIO_URL", c.MinioURL},
		{"MINIO_ACCESS_KEY", c.MinioAccessKey},
		{"MINIO_SECRET_KEY", c.MinioSecretKey},
		{"MYSQL_ROOT_PASSWORD", c.MySQLRootPassword},
		{"MYSQL_BACKUP_USER", c.MySQLBackupUser},
		{"MYSQL_BACKUP_PASSWORD", c.MySQLBackupPassword},
		{"MYSQL_REPLICATION_USER", c.MySQLReplicationUser},
		{"MYSQL_REPLICATION_PASSWORD", c.MySQLReplicationPassword},
	}

	var required []requirement
	switch operation {
	case "join_or_bootstrap":
		required = bootstrapCommon
	case "mysql_backup", "mysql_autobackup":
		required = []requirement{
			{"MINIO_URL", c.MinioURL},
			{"MINIO_ACCESS_KEY", c.MinioAccessKey},
			{"MINIO_SECRET_KEY", c.MinioSecretKey},
			{"MYSQL_BACKUP_USER", c.MySQLBackupUser},
			{"MYSQL_BACKUP_PASSWORD", c.MySQLBackupPassword},
			{"MYSQL_ROOT_PASSWORD", c.MySQLRootPassword},
		}
	case "mysql_restore":
		required = []requirement{
			{"MINIO_URL", c.MinioURL},
			{"MINIO_ACCESS_KEY", c.MinioAccessKey},
			{"MINIO_SECRET_KEY", c.MinioSecretKey},
		}
	case "mysql_start", "mysql_stop":
		required = []requirement{
			{"MYSQL_ROOT_PASSWORD", c.MySQLRootPassword},
		}
	case "proxysql_init":
		required = []requirement{
			{"MYSQL_REPLICATION_USER", c.MySQLReplicationUser},
			{"MYSQL_REPLICATION_PASSWORD", c.MySQLReplicationPassword},
			{"MYSQL_APPLICATION_USER", c.MySQLApplicationUser},
			{"MYSQL_APPLICATION_PASSWORD", c.MySQLApplicationPassword},
		}
	default:
		return fmt.Errorf("unknown operation: %s", operation)
	}

	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required environment variable: %s", r.name)
		}
	}

	return nil
}
