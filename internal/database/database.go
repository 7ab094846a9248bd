// Package database controls the node-local MySQL server: first-boot
// initialization, replication topology changes, and backup/restore
// against the object store (C4 in the design).
package database

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/jnidzwetzki/mysql-ha-cloud/internal/objectstore"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/procsup"
	"github.com/jnidzwetzki/mysql-ha-cloud/internal/telemetry"
)

const (
	xtrabackupBinary  = "/usr/bin/xtrabackup"
	mysqldBinary      = "/usr/sbin/mysqld"
	dataDir           = "/var/lib/mysql"
	configFragment    = "/etc/mysql/conf.d/zz_cluster.cnf"
	socketPath        = "/var/run/mysqld/mysqld.sock"
	sentinelFile      = "ib_logfile0"
	startTimeout      = 120 * time.Second
	stopGrace         = 30 * time.Second
	backupMaxAge      = 6 * time.Hour
	replicationPort   = 3306

	ioStateCaughtUp  = "Waiting for master to send event"
	sqlStateCaughtUp = "Slave has read all relay log; waiting for more updates"
)

// Errors returned by Controller operations.
var (
	// ErrStartTimeout is returned by Start when mysqld does not accept
	// connections within startTimeout.
	ErrStartTimeout = errors.New("database: mysqld did not accept connections in time")
	// ErrRestoreInvalid is returned by Restore when the downloaded
	// artifact does not contain a recognizable MySQL data directory.
	ErrRestoreInvalid = errors.New("database: backup artifact is not a valid MySQL backup")
	// ErrRestoreFailed is returned by Restore when no backup exists to
	// restore from.
	ErrRestoreFailed = errors.New("database: no backup artifact available to restore")
)

// Credentials holds the application, backup, replication and root
// account secrets the controller needs to provision and operate MySQL.
type Credentials struct {
	RootPassword         string
	ApplicationUser      string
	ApplicationPassword  string
	BackupUser           string
	BackupPassword       string
	ReplicationUser      string
	ReplicationPassword  string
}

// Controller drives the locally installed MySQL server.
type Controller struct {
	creds   Credentials
	store   *objectstore.Client
	logger  *slog.Logger
	process *procsup.Process
}

// NewController builds a Controller for the local MySQL instance.
func NewController(creds Credentials, store *objectstore.Client, logger *slog.Logger) *Controller {
	return &Controller{creds: creds, store: store, logger: logger}
}

// IsInitialized reports whether the data directory already holds a
// MySQL installation, by checking for the InnoDB redo-log sentinel
// file left behind by mysqld --initialize.
func IsInitialized() bool {
	_, err := os.Stat(filepath.Join(dataDir, sentinelFile))
	return err == nil
}

// InitIfFresh initializes a new MySQL data directory and provisions
// the application, backup, replication and root accounts, unless the
// directory is already initialized. Returns true if initialization
// ran.
func (c *Controller) InitIfFresh(ctx context.Context, serverID int) (bool, error) {
	if IsInitialized() {
		c.logger.Info("MySQL data directory already initialized, skipping init")
		return false, nil
	}

	c.logger.Info("initializing MySQL data directory")

	init := exec.CommandContext(ctx, mysqldBinary, "--initialize-insecure", "--user=mysql")
	if out, err := init.CombinedOutput(); err != nil {
		return false, fmt.Errorf("mysqld --initialize-insecure: %w (%s)", err, out)
	}

	if err := c.BuildConfiguration(serverID); err != nil {
		return false, err
	}

	if err := c.startProcess(ctx, false); err != nil {
		return false, err
	}

	statements := []string{
		fmt.Sprintf("CREATE USER '%s'@'localhost' IDENTIFIED WITH mysql_native_password BY '%s'",
			c.creds.ApplicationUser, c.creds.ApplicationPassword),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON *.* TO '%s'@'localhost'", c.creds.ApplicationUser),
		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED WITH mysql_native_password BY '%s'",
			c.creds.ApplicationUser, c.creds.ApplicationPassword),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON *.* TO '%s'@'%%'", c.creds.ApplicationUser),

		fmt.Sprintf("CREATE USER '%s'@'localhost' IDENTIFIED BY '%s'", c.creds.BackupUser, c.creds.BackupPassword),
		fmt.Sprintf("GRANT BACKUP_ADMIN, PROCESS, RELOAD, LOCK TABLES, REPLICATION CLIENT ON *.* TO '%s'@'localhost'",
			c.creds.BackupUser),
		fmt.Sprintf("GRANT SELECT ON performance_schema.log_status TO '%s'@'localhost'", c.creds.BackupUser),

		fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'", c.creds.ReplicationUser, c.creds.ReplicationPassword),
		fmt.Sprintf("GRANT REPLICATION SLAVE ON *.* TO '%s'@'%%'", c.creds.ReplicationUser),

		fmt.Sprintf("CREATE USER 'root'@'%%' IDENTIFIED BY '%s'", c.creds.RootPassword),
		"GRANT ALL PRIVILEGES ON *.* TO 'root'@'%' WITH GRANT OPTION",
		fmt.Sprintf("ALTER USER 'root'@'localhost' IDENTIFIED BY '%s'", c.creds.RootPassword),
	}

	for _, stmt := range statements {
		if err := c.execNoLog(ctx, stmt); err != nil {
			return false, fmt.Errorf("provisioning database accounts: %w", err)
		}
	}

	if err := c.execAsRoot(ctx, "SHUTDOWN"); err != nil {
		return false, fmt.Errorf("shutting down after init: %w", err)
	}
	_ = c.process.Stop(stopGrace)

	c.logger.Info("MySQL data directory initialized")
	return true, nil
}

var configTmpl = template.Must(template.New("zz_cluster.cnf").Parse(
	`# DO NOT EDIT - This file was generated automatically
[mysqld]
server_id={{.ServerID}}
gtid_mode=ON
enforce-gtid-consistency=ON
`))

// BuildConfiguration renders the generated server_id/GTID configuration
// fragment read by mysqld on startup.
func (c *Controller) BuildConfiguration(serverID int) error {
	var buf bytes.Buffer
	if err := configTmpl.Execute(&buf, struct{ ServerID int }{ServerID: serverID}); err != nil {
		return fmt.Errorf("rendering cluster config fragment: %w", err)
	}

	if err := os.WriteFile(configFragment, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", configFragment, err)
	}
	return nil
}

// Start writes the server_id/GTID configuration fragment for serverID,
// then launches mysqld directly and blocks until the server accepts
// connections on its Unix socket, or startTimeout elapses. mysqld is
// launched directly rather than through mysqld_safe, so procsup sees
// the real daemon's PID and exit status. Neither procsup nor this
// controller restarts mysqld if it exits.
func (c *Controller) Start(ctx context.Context, serverID int) error {
	if err := c.BuildConfiguration(serverID); err != nil {
		return err
	}
	return c.startProcess(ctx, true)
}

func (c *Controller) startProcess(ctx context.Context, useRootPassword bool) error {
	c.logger.Info("starting MySQL")

	proc, err := procsup.Start(mysqldBinary, "--user=mysql")
	if err != nil {
		return fmt.Errorf("launching mysqld: %w", err)
	}
	c.process = proc

	password := ""
	if useRootPassword {
		password = c.creds.RootPassword
	}

	return c.waitForConnection(ctx, password)
}

func (c *Controller) waitForConnection(ctx context.Context, password string) error {
	deadline := time.Now().Add(startTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		db, err := c.open(password)
		if err == nil {
			pingErr := db.PingContext(ctx)
			db.Close()
			if pingErr == nil {
				c.logger.Debug("MySQL connection successful")
				return nil
			}
			lastErr = pingErr
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	c.logger.Error("unable to connect to MySQL", "timeout", startTimeout, "error", lastErr)
	return ErrStartTimeout
}

// Stop shuts down mysqld: first without a password, then with the root
// password if that fails, matching how a freshly initialized server
// (no root password set yet) and a provisioned one both need to be
// reachable.
func (c *Controller) Stop(ctx context.Context) error {
	c.logger.Info("stopping MySQL")

	if err := c.execNoLog(ctx, "SHUTDOWN"); err == nil {
		if c.process != nil {
			return c.process.Stop(stopGrace)
		}
		return nil
	}

	if err := c.execAsRoot(ctx, "SHUTDOWN"); err != nil {
		return fmt.Errorf("issuing SHUTDOWN: %w", err)
	}

	if c.process != nil {
		return c.process.Stop(stopGrace)
	}
	return nil
}

// MakeFollower points local replication at leaderIP and puts the
// server into read-only mode.
func (c *Controller) MakeFollower(ctx context.Context, leaderIP string) error {
	c.logger.Info("setting up replication", "leader_ip", leaderIP)

	statements := []string{
		"STOP SLAVE",
		fmt.Sprintf("CHANGE MASTER TO MASTER_HOST = '%s', MASTER_PORT = %d, MASTER_USER = '%s', "+
			"MASTER_PASSWORD = '%s', MASTER_AUTO_POSITION = 1, GET_MASTER_PUBLIC_KEY = 1",
			leaderIP, replicationPort, c.creds.ReplicationUser, c.creds.ReplicationPassword),
		"START SLAVE",
		"SET GLOBAL read_only = 1",
		"SET GLOBAL super_read_only = 1",
	}

	for _, stmt := range statements {
		if err := c.execAsRoot(ctx, stmt); err != nil {
			return fmt.Errorf("configuring replication: %w", err)
		}
	}
	return nil
}

// ClearReplication detaches from any configured leader and switches
// the server back to accepting writes.
func (c *Controller) ClearReplication(ctx context.Context) error {
	statements := []string{
		"STOP SLAVE",
		"RESET SLAVE ALL",
		"SET GLOBAL super_read_only = 0",
		"SET GLOBAL read_only = 0",
	}

	for _, stmt := range statements {
		if err := c.execAsRoot(ctx, stmt); err != nil {
			return fmt.Errorf("clearing replication: %w", err)
		}
	}
	return nil
}

// ConfiguredLeaderIP returns the host this server currently replicates
// from, or "" if it is not configured as a follower.
func (c *Controller) ConfiguredLeaderIP(ctx context.Context) (string, error) {
	row, err := c.slaveStatus(ctx)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", nil
	}
	host, _ := row["Master_Host"].(string)
	return host, nil
}

// ReplicationCaughtUp reports whether this follower has fully applied
// everything its leader has sent so far.
func (c *Controller) ReplicationCaughtUp(ctx context.Context) (bool, error) {
	row, err := c.slaveStatus(ctx)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}

	ioState, _ := row["Slave_IO_State"].(string)
	sqlState, _ := row["Slave_SQL_Running_State"].(string)

	return caughtUp(ioState, sqlState), nil
}

// caughtUp reports whether the IO and SQL thread states both show an
// idle follower that has applied everything received from its leader.
func caughtUp(ioState, sqlState string) bool {
	return ioState == ioStateCaughtUp && sqlState == sqlStateCaughtUp
}

func (c *Controller) slaveStatus(ctx context.Context) (map[string]any, error) {
	db, err := c.open(c.creds.RootPassword)
	if err != nil {
		return nil, fmt.Errorf("connecting as root: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, "SHOW SLAVE STATUS")
	if err != nil {
		return nil, fmt.Errorf("SHOW SLAVE STATUS: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading SHOW SLAVE STATUS columns: %w", err)
	}

	if !rows.Next() {
		return nil, nil
	}

	values := make([]any, len(cols))
	scanDest := make([]any, len(cols))
	for i := range values {
		scanDest[i] = &values[i]
	}
	if err := rows.Scan(scanDest...); err != nil {
		return nil, fmt.Errorf("scanning SHOW SLAVE STATUS: %w", err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = values[i]
		}
	}
	return row, nil
}

// Backup stages an xtrabackup backup, compresses it, and uploads it to
// the object store.
func (c *Controller) Backup(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		telemetry.BackupDurationSeconds.Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "failure"
		}
		telemetry.BackupsTotal.WithLabelValues(result).Inc()
	}()

	if err := c.store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensuring backup bucket: %w", err)
	}

	stamp := time.Now().Unix()
	stagingDir, err := os.MkdirTemp("", fmt.Sprintf("mysql_backup_%d_", stamp))
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	backupDest := filepath.Join(stagingDir, "mysql")
	c.logger.Info("backing up MySQL", "target", backupDest)

	backup := exec.CommandContext(ctx, xtrabackupBinary,
		fmt.Sprintf("--user=%s", c.creds.BackupUser),
		fmt.Sprintf("--password=%s", c.creds.BackupPassword),
		"--backup", fmt.Sprintf("--target-dir=%s", backupDest))
	if out, err := backup.CombinedOutput(); err != nil {
		return fmt.Errorf("xtrabackup --backup: %w (%s)", err, out)
	}

	prepare := exec.CommandContext(ctx, xtrabackupBinary, "--prepare", fmt.Sprintf("--target-dir=%s", backupDest))
	if out, err := prepare.CombinedOutput(); err != nil {
		return fmt.Errorf("xtrabackup --prepare: %w (%s)", err, out)
	}

	archiveName := fmt.Sprintf("mysql_backup_%d.tgz", stamp)
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := tarGzDir(archivePath, stagingDir, "mysql"); err != nil {
		return fmt.Errorf("compressing backup: %w", err)
	}

	if err := c.store.Upload(ctx, archivePath, archiveName); err != nil {
		return fmt.Errorf("uploading backup: %w", err)
	}

	c.logger.Info("backup created", "artifact", archiveName)
	return nil
}

// BackupIfDue kicks off a backup in the background if the newest
// artifact is older than backupMaxAge, or if none exists yet. It is a
// no-op returning false if isLeader is false: only the replication
// leader runs backups, so followers don't all hit the object store on
// the same schedule.
func (c *Controller) BackupIfDue(ctx context.Context, isLeader bool) (bool, error) {
	if !isLeader {
		c.logger.Debug("not the replication leader, skipping backup check")
		return false, nil
	}

	latest, ok, err := c.store.LatestBackup(ctx)
	if err != nil {
		return false, fmt.Errorf("checking latest backup: %w", err)
	}

	if ok && time.Since(latest.LastModified) < backupMaxAge {
		return false, nil
	}

	c.logger.Info("existing backup is stale or missing, starting new backup", "had_backup", ok)

	go func() {
		if err := c.Backup(context.Background()); err != nil {
			c.logger.Error("background backup failed", "error", err)
		}
	}()

	return true, nil
}

// Restore downloads the newest backup artifact and restores it into
// the data directory, moving any existing data directory aside first.
func (c *Controller) Restore(ctx context.Context) error {
	stamp := time.Now().Unix()

	if IsInitialized() {
		oldDir := fmt.Sprintf("%s_old_%d", dataDir, stamp)
		c.logger.Info("MySQL already initialized, moving data dir aside", "old_dir", oldDir)
		if err := moveDataDirAside(oldDir); err != nil {
			return fmt.Errorf("moving aside existing data directory: %w", err)
		}
	}

	artifact, ok, err := c.store.LatestBackup(ctx)
	if err != nil {
		return fmt.Errorf("looking up latest backup: %w", err)
	}
	if !ok {
		return ErrRestoreFailed
	}

	restoreDir, err := os.MkdirTemp("", fmt.Sprintf("mysql_restore_%d_", stamp))
	if err != nil {
		return fmt.Errorf("creating restore directory: %w", err)
	}
	defer os.RemoveAll(restoreDir)

	archivePath := filepath.Join(restoreDir, artifact.Name)
	if err := c.store.Download(ctx, artifact.Name, archivePath); err != nil {
		return fmt.Errorf("downloading backup artifact: %w", err)
	}

	if err := untarGz(archivePath, restoreDir); err != nil {
		return fmt.Errorf("unpacking backup artifact: %w", err)
	}

	if _, err := os.Stat(filepath.Join(restoreDir, "mysql", sentinelFile)); err != nil {
		return ErrRestoreInvalid
	}

	copyBack := exec.CommandContext(ctx, xtrabackupBinary, "--copy-back",
		fmt.Sprintf("--target-dir=%s", filepath.Join(restoreDir, "mysql")))
	if out, err := copyBack.CombinedOutput(); err != nil {
		return fmt.Errorf("xtrabackup --copy-back: %w (%s)", err, out)
	}

	chown := exec.CommandContext(ctx, "chown", "mysql.mysql", "-R", dataDir+"/")
	if out, err := chown.CombinedOutput(); err != nil {
		return fmt.Errorf("chown restored data: %w (%s)", err, out)
	}

	c.logger.Info("backup restored", "artifact", artifact.Name)
	return nil
}

func moveDataDirAside(oldDir string) error {
	if err := os.MkdirAll(oldDir, 0o700); err != nil {
		return err
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.Rename(filepath.Join(dataDir, entry.Name()), filepath.Join(oldDir, entry.Name())); err != nil {
			return fmt.Errorf("moving %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func tarGzDir(archivePath, baseDir, subdir string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	root := filepath.Join(baseDir, subdir)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = relPath
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

func untarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

func (c *Controller) open(password string) (*sql.DB, error) {
	dsn := fmt.Sprintf("root:%s@unix(%s)/mysql", password, socketPath)
	return sql.Open("mysql", dsn)
}

func (c *Controller) execAsRoot(ctx context.Context, stmt string) error {
	db, err := c.open(c.creds.RootPassword)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, stmt)
	return err
}

// execNoLog runs stmt as root without a password, for use before the
// root password has been set during first-boot provisioning.
func (c *Controller) execNoLog(ctx context.Context, stmt string) error {
	db, err := c.open("")
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, stmt)
	return err
}
