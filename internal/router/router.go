// Package router drives the query router's (ProxySQL) admin SQL
// interface: one-time query-rule/host-group setup, plus keeping the
// backend server list in sync with live cluster membership (C5 in the
// design).
package router

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
)

const (
	adminHost     = "127.0.0.1"
	adminPort     = 6032
	adminUser     = "admin"
	adminPassword = "admin"

	writerHostgroup = 1
	readerHostgroup = 2
	backendPort     = 3306
)

// Controller drives ProxySQL's admin interface.
type Controller struct {
	replicationUser     string
	replicationPassword string
	applicationUser     string
	applicationPassword string
	logger              *slog.Logger

	mu      sync.Mutex
	cached  []string
}

// NewController builds a router Controller. replicationUser/Password
// become the monitor account; applicationUser/Password is granted
// access through host-group 1 (writer).
func NewController(replicationUser, replicationPassword, applicationUser, applicationPassword string, logger *slog.Logger) *Controller {
	return &Controller{
		replicationUser:     replicationUser,
		replicationPassword: replicationPassword,
		applicationUser:     applicationUser,
		applicationPassword: applicationPassword,
		logger:              logger,
	}
}

func (c *Controller) open() (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", adminUser, adminPassword, adminHost, adminPort)
	return sql.Open("mysql", dsn)
}

// InitialSetup programs the monitor credentials, the writer/reader
// host-group mapping, the SELECT routing rules, and the application
// user, persisting each section with its LOAD/SAVE pair.
func (c *Controller) InitialSetup(ctx context.Context) error {
	db, err := c.open()
	if err != nil {
		return fmt.Errorf("connecting to router admin interface: %w", err)
	}
	defer db.Close()

	c.logger.Info("running router initial setup")

	variableStmts := []string{
		fmt.Sprintf("SET mysql-monitor_username='%s'", c.replicationUser),
		fmt.Sprintf("SET mysql-monitor_password='%s'", c.replicationPassword),
	}
	if err := c.applySection(ctx, db, "MYSQL VARIABLES", variableStmts); err != nil {
		return err
	}

	hostgroupStmts := []string{
		"DELETE FROM mysql_replication_hostgroups",
		fmt.Sprintf("INSERT INTO mysql_replication_hostgroups (writer_hostgroup, reader_hostgroup, check_type) "+
			"VALUES (%d, %d, 'read_only')", writerHostgroup, readerHostgroup),
	}
	if err := c.applySection(ctx, db, "MYSQL SERVERS", hostgroupStmts); err != nil {
		return err
	}

	ruleStmts := []string{
		"DELETE FROM mysql_query_rules",
		fmt.Sprintf("INSERT INTO mysql_query_rules (rule_id, active, match_pattern, destination_hostgroup, apply) "+
			"VALUES (1, 1, '^SELECT.*FOR UPDATE', %d, 1)", writerHostgroup),
		fmt.Sprintf("INSERT INTO mysql_query_rules (rule_id, active, match_pattern, destination_hostgroup, apply) "+
			"VALUES (2, 1, '^SELECT.*', %d, 1)", readerHostgroup),
	}
	if err := c.applySection(ctx, db, "MYSQL QUERY RULES", ruleStmts); err != nil {
		return err
	}

	userStmts := []string{
		fmt.Sprintf("DELETE FROM mysql_users WHERE username='%s'", c.applicationUser),
		fmt.Sprintf("INSERT INTO mysql_users (username, password, default_hostgroup) VALUES ('%s', '%s', %d)",
			c.applicationUser, c.applicationPassword, writerHostgroup),
	}
	if err := c.applySection(ctx, db, "MYSQL USERS", userStmts); err != nil {
		return err
	}

	return nil
}

func (c *Controller) applySection(ctx context.Context, db *sql.DB, section string, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %q: %w", section, stmt, err)
		}
	}

	loadSave := []string{
		fmt.Sprintf("LOAD %s TO RUNTIME", section),
		fmt.Sprintf("SAVE %s TO DISK", section),
	}
	for _, stmt := range loadSave {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %q: %w", section, stmt, err)
		}
	}

	return nil
}

// UpdateBackends reconciles the writer host-group's backend rows with
// liveNodes. It is a no-op if liveNodes, sorted, equals the previously
// applied set.
func (c *Controller) UpdateBackends(ctx context.Context, liveNodes []string) error {
	sorted := append([]string(nil), liveNodes...)
	sort.Strings(sorted)

	c.mu.Lock()
	changed := diffBackends(c.cached, sorted)
	c.mu.Unlock()

	if !changed {
		return nil
	}

	db, err := c.open()
	if err != nil {
		return fmt.Errorf("connecting to router admin interface: %w", err)
	}
	defer db.Close()

	statements := []string{"DELETE FROM mysql_servers"}
	for _, ip := range sorted {
		statements = append(statements, fmt.Sprintf(
			"INSERT INTO mysql_servers (hostgroup_id, hostname, port) VALUES (%d, '%s', %d)",
			writerHostgroup, ip, backendPort))
	}

	if err := c.applySection(ctx, db, "MYSQL SERVERS", statements); err != nil {
		return err
	}

	c.mu.Lock()
	c.cached = sorted
	c.mu.Unlock()

	c.logger.Info("router backends updated", "nodes", strings.Join(sorted, ","))
	return nil
}

// diffBackends reports whether new differs from old. Both must already
// be sorted; this is a pure function so the idempotence property
// (repeated calls with the same set are no-ops) is unit testable
// without a live router connection.
func diffBackends(old, new []string) bool {
	if len(old) != len(new) {
		return true
	}
	for i := range old {
		if old[i] != new[i] {
			return true
		}
	}
	return false
}
