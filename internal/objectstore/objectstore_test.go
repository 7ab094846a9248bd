package objectstore

import (
	"testing"
	"time"
)

func TestLatestOf(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("empty bucket has no latest", func(t *testing.T) {
		artifact, ok, err := latestOf(nil)
		if err != nil {
			t.Fatalf("latestOf() error: %v", err)
		}
		if ok {
			t.Errorf("expected ok=false, got artifact %+v", artifact)
		}
	})

	t.Run("picks the most recently modified artifact regardless of input order", func(t *testing.T) {
		artifacts := []Artifact{
			{Name: "mysql_backup_1.tgz", LastModified: now},
			{Name: "mysql_backup_3.tgz", LastModified: now.Add(2 * time.Hour)},
			{Name: "mysql_backup_2.tgz", LastModified: now.Add(time.Hour)},
		}

		got, ok, err := latestOf(artifacts)
		if err != nil {
			t.Fatalf("latestOf() error: %v", err)
		}
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if got.Name != "mysql_backup_3.tgz" {
			t.Errorf("latestOf() = %q, want %q", got.Name, "mysql_backup_3.tgz")
		}
	})
}
