package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{
			name:  "default bind interface is eth0",
			check: func(c *Config) bool { return c.MCMBindInterface == "eth0" },
		},
		{
			name:  "default listen addr",
			check: func(c *Config) bool { return c.ListenAddr == "0.0.0.0:8070" },
		},
		{
			name:  "consul bootstrap server unset by default",
			check: func(c *Config) bool { return c.ConsulBootstrapServer == "" },
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected config value for %s", tt.name)
			}
		})
	}
}

func TestRequireFor(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		cfg       Config
		wantErr   bool
	}{
		{
			name:      "join_or_bootstrap missing everything",
			operation: "join_or_bootstrap",
			cfg:       Config{},
			wantErr:   true,
		},
		{
			name:      "join_or_bootstrap fully configured",
			operation: "join_or_bootstrap",
			cfg: Config{
				ConsulBindInterface:      "eth0",
				ConsulBootstrapServer:    "10.0.0.1",
				MinioURL:                 "http://minio:9000",
				MinioAccessKey:           "ak",
				MinioSecretKey:           "sk",
				MySQLRootPassword:        "root",
				MySQLBackupUser:          "backup",
				MySQLBackupPassword:      "backup",
				MySQLReplicationUser:     "repl",
				MySQLReplicationPassword: "repl",
			},
			wantErr: false,
		},
		{
			name:      "mysql_stop only needs root password",
			operation: "mysql_stop",
			cfg:       Config{MySQLRootPassword: "root"},
			wantErr:   false,
		},
		{
			name:      "mysql_stop without root password",
			operation: "mysql_stop",
			cfg:       Config{},
			wantErr:   true,
		},
		{
			name:      "unknown operation",
			operation: "frobnicate",
			cfg:       Config{},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.RequireFor(tt.operation)
			if (err != nil) != tt.wantErr {
				t.Errorf("RequireFor(%q) error = %v, wantErr %v", tt.operation, err, tt.wantErr)
			}
		})
	}
}
