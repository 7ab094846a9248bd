// Package bootstrap implements the one-shot startup sequence that runs
// once per process start, before the control loop takes over (C6 in
// the design).
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jnidzwetzki/mysql-ha-cloud/internal/database"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/kv"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/objectstore"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/procsup"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/router"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/telemetry"
)

const (
	stabilityGateInterval = 5 * time.Second
	backupWaitPollInterval = 3 * time.Second
	backupWaitRetries      = 100
	mysqlVersion           = "8.0"
)

// ErrBackupWaitExhausted is returned when this node is not leader, the
// object store holds no backup, and no peer uploads one within
// backupWaitRetries polls.
var ErrBackupWaitExhausted = errors.New("bootstrap: timed out waiting for a backup to appear")

// branch names the four (becameLeader, backupExists) outcomes of step
// 5, used both to drive behavior and to label the decisions_total
// metric.
type branch string

const (
	branchFreshLeader    branch = "fresh_leader"
	branchRestoreLeader  branch = "restore_leader"
	branchRestoreFollower branch = "restore_follower"
	branchWaitThenRestore branch = "wait_then_restore"
)

// decide implements step 5's branch table as a pure function so it is
// unit testable without any of the side-effecting clients.
func decide(becameLeader, backupExists bool) branch {
	switch {
	case becameLeader && !backupExists:
		return branchFreshLeader
	case becameLeader && backupExists:
		return branchRestoreLeader
	case !becameLeader && backupExists:
		return branchRestoreFollower
	default:
		return branchWaitThenRestore
	}
}

// MembershipAgentStarter launches the external membership agent
// process (e.g. the Consul client agent) this node depends on.
type MembershipAgentStarter func() (*procsup.Process, error)

// RouterStarter launches the external query router process (e.g.
// ProxySQL) this node depends on.
type RouterStarter func() (*procsup.Process, error)

// Decider runs the bootstrap sequence for one process start.
type Decider struct {
	kvClient   *kv.Client
	store      *objectstore.Client
	dbCtl      *database.Controller
	routerCtl  *router.Controller
	startAgent MembershipAgentStarter
	startRouter RouterStarter
	logger     *slog.Logger
}

// NewDecider builds a bootstrap Decider.
func NewDecider(
	kvClient *kv.Client,
	store *objectstore.Client,
	dbCtl *database.Controller,
	routerCtl *router.Controller,
	startAgent MembershipAgentStarter,
	startRouter RouterStarter,
	logger *slog.Logger,
) *Decider {
	return &Decider{
		kvClient:    kvClient,
		store:       store,
		dbCtl:       dbCtl,
		routerCtl:   routerCtl,
		startAgent:  startAgent,
		startRouter: startRouter,
		logger:      logger,
	}
}

// Run executes the 7-step bootstrap sequence. It returns once this
// node is fully joined to the cluster: database running, router
// programmed, node and service registered, and any stale replication
// state cleared.
func (d *Decider) Run(ctx context.Context) error {
	d.logger.Info("starting membership agent")
	if _, err := d.startAgent(); err != nil {
		return fmt.Errorf("starting membership agent: %w", err)
	}

	if err := d.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("initializing object store: %w", err)
	}
	backupExists, err := d.store.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking for existing backup: %w", err)
	}

	if _, err := d.kvClient.CreateHealthLease(); err != nil {
		return fmt.Errorf("creating health lease: %w", err)
	}

	if err := d.stabilityGate(ctx); err != nil {
		return err
	}

	becameLeader, err := d.kvClient.TryBecomeLeader()
	if err != nil {
		return fmt.Errorf("attempting to become leader: %w", err)
	}
	d.kvClient.StartAutoRenew()

	// The server_id this node starts mysqld with must be settled before
	// InitIfFresh/Start write the generated GTID configuration fragment
	// and launch the process, so replication can use MASTER_AUTO_POSITION.
	serverID, err := d.kvClient.AllocateServerID()
	if err != nil {
		return fmt.Errorf("allocating server id: %w", err)
	}
	telemetry.ServerID.Set(float64(serverID))

	branch := decide(becameLeader, backupExists)
	telemetry.BootstrapDecisionsTotal.WithLabelValues(string(branch)).Inc()
	d.logger.Info("bootstrap branch decided", "branch", branch, "became_leader", becameLeader, "backup_exists", backupExists)

	switch branch {
	case branchFreshLeader:
		if _, err := d.dbCtl.InitIfFresh(ctx, serverID); err != nil {
			return fmt.Errorf("initializing fresh database: %w", err)
		}
	case branchRestoreLeader, branchRestoreFollower:
		if err := d.dbCtl.Restore(ctx); err != nil {
			return fmt.Errorf("restoring from backup: %w", err)
		}
	case branchWaitThenRestore:
		if err := d.waitForBackup(ctx); err != nil {
			return err
		}
		if err := d.dbCtl.Restore(ctx); err != nil {
			return fmt.Errorf("restoring from backup: %w", err)
		}
	}

	d.logger.Info("starting query router")
	if _, err := d.startRouter(); err != nil {
		return fmt.Errorf("starting query router: %w", err)
	}

	if err := d.dbCtl.Start(ctx, serverID); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}

	if err := d.routerCtl.InitialSetup(ctx); err != nil {
		return fmt.Errorf("running router initial setup: %w", err)
	}

	if err := d.kvClient.RegisterNode(mysqlVersion, serverID); err != nil {
		return fmt.Errorf("registering node: %w", err)
	}

	if err := d.dbCtl.ClearReplication(ctx); err != nil {
		return fmt.Errorf("clearing inherited replication state: %w", err)
	}

	if err := d.kvClient.RegisterService(becameLeader); err != nil {
		return fmt.Errorf("registering service: %w", err)
	}
	telemetry.IsLeader.Set(boolToFloat(becameLeader))

	d.kvClient.StopAutoRenew()

	d.logger.Info("bootstrap complete", "leader", becameLeader)
	return nil
}

// stabilityGate blocks while a peer set exists but no leader has been
// elected, refusing to bootstrap into a potential split-brain.
func (d *Decider) stabilityGate(ctx context.Context) error {
	for {
		leaderIP, err := d.kvClient.LeaderIP()
		if err != nil {
			return fmt.Errorf("checking for existing leader: %w", err)
		}
		if leaderIP != "" {
			return nil
		}

		nodes, err := d.kvClient.ListNodes()
		if err != nil {
			return fmt.Errorf("listing registered nodes: %w", err)
		}
		if len(nodes) == 0 {
			return nil
		}

		d.logger.Info("peers present but no leader, waiting for failover to settle")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stabilityGateInterval):
		}
	}
}

// waitForBackup polls for a backup to appear, refreshing the health
// lease in the loop, and fails fatally if the retry budget runs out.
func (d *Decider) waitForBackup(ctx context.Context) error {
	for attempt := 0; attempt < backupWaitRetries; attempt++ {
		exists, err := d.store.Exists(ctx)
		if err != nil {
			return fmt.Errorf("checking for backup: %w", err)
		}
		if exists {
			return nil
		}

		if err := d.kvClient.RenewAll(); err != nil {
			d.logger.Warn("lease renewal failed while waiting for backup", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backupWaitPollInterval):
		}
	}

	return ErrBackupWaitExhausted
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
