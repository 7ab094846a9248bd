// Package controlloop runs the steady-state supervision loop: leader
// election checks, session renewal, and periodic backups (C7 in the
// design).
package controlloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jnidzwetzki/mysql-ha-cloud/internal/database"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/kv"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/procsup"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/router"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/telemetry"
)

const (
	tickInterval          = 1 * time.Second
	leaderCheckInterval   = 5 * time.Second
	sessionRefreshInterval = 5 * time.Second
	backupCheckInterval   = 5 * time.Minute
)

// Loop drives the three independent timers described in the design:
// leader-check, session-refresh, and backup-check.
type Loop struct {
	kvClient  *kv.Client
	dbCtl     *database.Controller
	routerCtl *router.Controller
	watched   []*procsup.Process
	logger    *slog.Logger

	mu             sync.Mutex
	ableToPromote  bool
	lastLeaderTick time.Time
	lastRefresh    time.Time
	lastBackupTick time.Time
}

// NewLoop builds a control Loop. watched is the set of supervised
// subprocesses (the membership agent, the router) whose liveness is
// polled every tick.
func NewLoop(kvClient *kv.Client, dbCtl *database.Controller, routerCtl *router.Controller, watched []*procsup.Process, logger *slog.Logger) *Loop {
	return &Loop{
		kvClient:  kvClient,
		dbCtl:     dbCtl,
		routerCtl: routerCtl,
		watched:   watched,
		logger:    logger,
	}
}

// Run ticks every second until ctx is cancelled. Only one of the three
// timers fires per tick; none blocks another.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("control loop started")

	now := time.Now()
	l.lastLeaderTick = now
	l.lastRefresh = now
	l.lastBackupTick = now

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("control loop stopped")
			return nil
		case now := <-ticker.C:
			l.pollProcesses()

			if now.Sub(l.lastLeaderTick) >= leaderCheckInterval {
				l.lastLeaderTick = now
				if err := l.leaderCheckTick(ctx); err != nil {
					l.logger.Error("leader-check tick failed", "error", err)
				}
				continue
			}

			if now.Sub(l.lastRefresh) >= sessionRefreshInterval {
				l.lastRefresh = now
				if err := l.kvClient.RenewAll(); err != nil {
					l.logger.Error("session-refresh tick failed", "error", err)
				}
				continue
			}

			if now.Sub(l.lastBackupTick) >= backupCheckInterval {
				l.lastBackupTick = now
				if err := l.backupCheckTick(ctx); err != nil {
					l.logger.Error("backup-check tick failed", "error", err)
				}
				continue
			}
		}
	}
}

func (l *Loop) pollProcesses() {
	for _, p := range l.watched {
		if !p.Alive() {
			l.logger.Error("supervised process exited", "pid", p.Pid(), "error", p.ExitErr())
		}
	}
}

// leaderCheckTick implements spec.md §4.5's 5-step leader-check tick.
func (l *Loop) leaderCheckTick(ctx context.Context) error {
	nodes, err := l.kvClient.ListNodes()
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	if err := l.routerCtl.UpdateBackends(ctx, nodes); err != nil {
		return fmt.Errorf("updating router backends: %w", err)
	}
	telemetry.RouterBackends.Set(float64(len(nodes)))

	if !l.getAbleToPromote() {
		caughtUp, err := l.dbCtl.ReplicationCaughtUp(ctx)
		if err != nil {
			return fmt.Errorf("checking replication catch-up: %w", err)
		}
		if caughtUp {
			l.setAbleToPromote(true)
		}
	}

	leader, err := l.kvClient.IsLeader()
	if err != nil {
		return fmt.Errorf("checking leadership: %w", err)
	}

	if !leader && l.getAbleToPromote() {
		won, err := l.kvClient.TryBecomeLeader()
		if err != nil {
			return fmt.Errorf("attempting promotion: %w", err)
		}
		if won {
			if err := l.dbCtl.ClearReplication(ctx); err != nil {
				return fmt.Errorf("clearing replication after promotion: %w", err)
			}
			if err := l.kvClient.RegisterService(true); err != nil {
				return fmt.Errorf("re-registering service as leader: %w", err)
			}
			leader = true
			l.logger.Info("promoted to replication leader")
		}
	}

	telemetry.IsLeader.Set(boolToFloat(leader))

	if !leader {
		realLeaderIP, err := l.kvClient.LeaderIP()
		if err != nil {
			return fmt.Errorf("reading leader ip: %w", err)
		}
		configuredLeaderIP, err := l.dbCtl.ConfiguredLeaderIP(ctx)
		if err != nil {
			return fmt.Errorf("reading configured leader ip: %w", err)
		}

		if realLeaderIP != "" && realLeaderIP != configuredLeaderIP {
			if err := l.dbCtl.MakeFollower(ctx, realLeaderIP); err != nil {
				return fmt.Errorf("following new leader %s: %w", realLeaderIP, err)
			}
		}
	}

	return nil
}

// backupCheckTick toggles auto-renew around the synchronous bucket
// listing backup_if_due performs, so it cannot itself blow the 5s
// session-refresh budget.
func (l *Loop) backupCheckTick(ctx context.Context) error {
	l.kvClient.StartAutoRenew()
	defer l.kvClient.StopAutoRenew()

	leader, err := l.kvClient.IsLeader()
	if err != nil {
		return fmt.Errorf("checking leadership: %w", err)
	}

	_, err = l.dbCtl.BackupIfDue(ctx, leader)
	return err
}

// getAbleToPromote reads the monotone promotion latch.
func (l *Loop) getAbleToPromote() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ableToPromote
}

// setAbleToPromote can only ever move false -> true: once this node has
// been observed caught-up, it stays eligible for promotion even if a
// later reading is momentarily stale, preventing churn between
// caught-up and slightly-lagging states.
func (l *Loop) setAbleToPromote(v bool) {
	if !v {
		return
	}
	l.mu.Lock()
	l.ableToPromote = true
	l.mu.Unlock()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
