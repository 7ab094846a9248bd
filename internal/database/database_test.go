package database

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReplicationCaughtUpStates(t *testing.T) {
	tests := []struct {
		name     string
		ioState  string
		sqlState string
		want     bool
	}{
		{
			name:     "fully caught up",
			ioState:  ioStateCaughtUp,
			sqlState: sqlStateCaughtUp,
			want:     true,
		},
		{
			name:     "io still connecting",
			ioState:  "Connecting to master",
			sqlState: sqlStateCaughtUp,
			want:     false,
		},
		{
			name:     "sql thread still applying relay log",
			ioState:  ioStateCaughtUp,
			sqlState: "Reading event from the relay log",
			want:     false,
		},
		{
			name:     "both lagging",
			ioState:  "Queueing master event to the relay log",
			sqlState: "Reading event from the relay log",
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := caughtUp(tt.ioState, tt.sqlState)
			if got != tt.want {
				t.Errorf("caught up = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackupIfDueSkipsWhenNotLeader(t *testing.T) {
	c := &Controller{logger: discardLogger()}

	started, err := c.BackupIfDue(context.Background(), false)
	if err != nil {
		t.Fatalf("BackupIfDue() error = %v", err)
	}
	if started {
		t.Error("BackupIfDue() started a backup for a non-leader node")
	}
}

func TestBuildConfigurationRendersServerID(t *testing.T) {
	var buf bytes.Buffer
	if err := configTmpl.Execute(&buf, struct{ ServerID int }{ServerID: 7}); err != nil {
		t.Fatalf("executing config template: %v", err)
	}

	rendered := buf.String()
	for _, want := range []string{"server_id=7", "gtid_mode=ON", "enforce-gtid-consistency=ON"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered config missing %q:\n%s", want, rendered)
		}
	}
}
