// Command mcm is the per-node MySQL cluster manager: it bootstraps a
// node into the cluster, supervises replication topology, and exposes
// one-shot operations for backup, restore, and manual start/stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnidzwetzki/mysql-ha-cloud/internal/bootstrap"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/config"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/controlloop"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/database"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/httpserver"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/identity"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/kv"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/objectstore"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/procsup"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/router"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/telemetry"
)

func main() {
	logLevel := flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARNING, ERROR, CRITICAL")
	flag.Parse()

	operation := flag.Arg(0)
	if operation == "" {
		fmt.Fprintln(os.Stderr, "error: missing operation")
		os.Exit(1)
	}

	logger := telemetry.NewLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	if err := cfg.RequireFor(operation); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, operation, cfg, logger); err != nil {
		logger.Error("fatal", "operation", operation, "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, operation string, cfg *config.Config, logger *slog.Logger) error {
	creds := database.Credentials{
		RootPassword:        cfg.MySQLRootPassword,
		ApplicationUser:     cfg.MySQLApplicationUser,
		ApplicationPassword: cfg.MySQLApplicationPassword,
		BackupUser:          cfg.MySQLBackupUser,
		BackupPassword:      cfg.MySQLBackupPassword,
		ReplicationUser:     cfg.MySQLReplicationUser,
		ReplicationPassword: cfg.MySQLReplicationPassword,
	}

	switch operation {
	case "join_or_bootstrap":
		return runJoinOrBootstrap(ctx, cfg, creds, logger)

	case "mysql_backup":
		store, err := objectstore.NewClient(cfg.MinioURL, cfg.MinioAccessKey, cfg.MinioSecretKey)
		if err != nil {
			return err
		}
		return database.NewController(creds, store, logger).Backup(ctx)

	case "mysql_autobackup":
		store, err := objectstore.NewClient(cfg.MinioURL, cfg.MinioAccessKey, cfg.MinioSecretKey)
		if err != nil {
			return err
		}
		kvClient, err := kv.NewClient(cfg.MCMBindInterface, identity.NetResolver{}, logger)
		if err != nil {
			return fmt.Errorf("creating kv client: %w", err)
		}
		leader, err := kvClient.IsLeader()
		if err != nil {
			return fmt.Errorf("checking leadership: %w", err)
		}
		_, err = database.NewController(creds, store, logger).BackupIfDue(ctx, leader)
		return err

	case "mysql_restore":
		store, err := objectstore.NewClient(cfg.MinioURL, cfg.MinioAccessKey, cfg.MinioSecretKey)
		if err != nil {
			return err
		}
		return database.NewController(creds, store, logger).Restore(ctx)

	case "mysql_start":
		kvClient, err := kv.NewClient(cfg.MCMBindInterface, identity.NetResolver{}, logger)
		if err != nil {
			return fmt.Errorf("creating kv client: %w", err)
		}
		serverID, ok, err := kvClient.LookupServerID()
		if err != nil {
			return fmt.Errorf("looking up server id: %w", err)
		}
		if !ok {
			return fmt.Errorf("node has no registered server id, run join_or_bootstrap first")
		}
		return database.NewController(creds, nil, logger).Start(ctx, serverID)

	case "mysql_stop":
		return database.NewController(creds, nil, logger).Stop(ctx)

	case "proxysql_init":
		return router.NewController(
			cfg.MySQLReplicationUser, cfg.MySQLReplicationPassword,
			cfg.MySQLApplicationUser, cfg.MySQLApplicationPassword,
			logger,
		).InitialSetup(ctx)

	default:
		return fmt.Errorf("unknown operation: %s", operation)
	}
}

// runJoinOrBootstrap runs the full lifecycle: one-shot bootstrap
// followed by the steady-state control loop, with a local HTTP surface
// for health checks and Prometheus scraping alongside it.
func runJoinOrBootstrap(ctx context.Context, cfg *config.Config, creds database.Credentials, logger *slog.Logger) error {
	kvClient, err := kv.NewClient(cfg.MCMBindInterface, identity.NetResolver{}, logger)
	if err != nil {
		return fmt.Errorf("creating kv client: %w", err)
	}

	store, err := objectstore.NewClient(cfg.MinioURL, cfg.MinioAccessKey, cfg.MinioSecretKey)
	if err != nil {
		return fmt.Errorf("creating object store client: %w", err)
	}

	dbCtl := database.NewController(creds, store, logger)
	routerCtl := router.NewController(
		cfg.MySQLReplicationUser, cfg.MySQLReplicationPassword,
		cfg.MySQLApplicationUser, cfg.MySQLApplicationPassword,
		logger,
	)

	var agentProc, routerProc *procsup.Process

	startAgent := func() (*procsup.Process, error) {
		p, err := procsup.Start("/usr/bin/consul", "agent",
			fmt.Sprintf("-retry-join=%s", cfg.ConsulBootstrapServer))
		agentProc = p
		return p, err
	}
	startRouter := func() (*procsup.Process, error) {
		p, err := procsup.Start("/usr/sbin/proxysql", "--idle-threads", "-f")
		routerProc = p
		return p, err
	}

	decider := bootstrap.NewDecider(kvClient, store, dbCtl, routerCtl, startAgent, startRouter, logger)
	if err := decider.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	registry := telemetry.NewRegistry()
	srv := httpserver.NewServer(logger, registry)
	srv.SetStatus(httpserver.Status{Role: roleOf(kvClient)})

	go func() {
		if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("status server stopped", "error", err)
		}
	}()

	watched := []*procsup.Process{}
	if agentProc != nil {
		watched = append(watched, agentProc)
	}
	if routerProc != nil {
		watched = append(watched, routerProc)
	}

	loop := controlloop.NewLoop(kvClient, dbCtl, routerCtl, watched, logger)
	return loop.Run(ctx)
}

func roleOf(kvClient *kv.Client) string {
	leader, err := kvClient.IsLeader()
	if err != nil {
		return "unknown"
	}
	if leader {
		return "leader"
	}
	return "follower"
}
