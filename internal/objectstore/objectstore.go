// Package objectstore wraps the S3-compatible object store used to hold
// MySQL backup artifacts (C2 in the design). It is backed by MinIO, but
// speaks plain S3 API calls through the minio-go SDK.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

const (
	// Bucket is the bucket backup artifacts live in.
	Bucket = "backup"
	// Prefix is the key prefix under Bucket, matching spec.md's
	// "backup/mysqlbackup/" bucket layout.
	Prefix = "mysqlbackup/"
	// RetentionDays is the server-side lifecycle expiry window.
	RetentionDays = 7
	// LifecycleRuleID names the bucket lifecycle rule.
	LifecycleRuleID = "expire_rule"
)

// Artifact describes one uploaded backup object.
type Artifact struct {
	Name         string // e.g. "mysql_backup_1700000000.tgz", without the prefix
	LastModified time.Time
}

// Client is a thin, testable wrapper over the MinIO SDK.
type Client struct {
	mc *minio.Client
}

// NewClient parses endpointURL (e.g. "http://minio:9000") and creates a
// MinIO client authenticated with the given static credentials.
func NewClient(endpointURL, accessKey, secretKey string) (*Client, error) {
	u, err := url.Parse(endpointURL)
	if err != nil {
		return nil, fmt.Errorf("parsing MinIO URL %q: %w", endpointURL, err)
	}

	mc, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	return &Client{mc: mc}, nil
}

// EnsureBucket creates the backup bucket and its 7-day expiry lifecycle
// rule if they do not already exist. Safe to call repeatedly.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, Bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %q: %w", Bucket, err)
	}

	if !exists {
		if err := c.mc.MakeBucket(ctx, Bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket %q: %w", Bucket, err)
		}
	}

	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{
		{
			ID:     LifecycleRuleID,
			Status: "Enabled",
			RuleFilter: lifecycle.Filter{
				Prefix: Prefix,
			},
			Expiration: lifecycle.Expiration{
				Days: RetentionDays,
			},
		},
	}

	if err := c.mc.SetBucketLifecycle(ctx, Bucket, cfg); err != nil {
		return fmt.Errorf("setting lifecycle policy on bucket %q: %w", Bucket, err)
	}

	return nil
}

// Upload uploads localPath to the bucket under Prefix+name.
func (c *Client) Upload(ctx context.Context, localPath, name string) error {
	key := Prefix + name
	if _, err := c.mc.FPutObject(ctx, Bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	}); err != nil {
		return fmt.Errorf("uploading %q to %s/%s: %w", localPath, Bucket, key, err)
	}
	return nil
}

// Download fetches Prefix+name from the bucket into localPath.
func (c *Client) Download(ctx context.Context, name, localPath string) error {
	key := Prefix + name
	if err := c.mc.FGetObject(ctx, Bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("downloading %s/%s to %q: %w", Bucket, key, localPath, err)
	}
	return nil
}

// LatestBackup returns the newest backup artifact, or ok=false if the
// bucket has no backups yet.
func (c *Client) LatestBackup(ctx context.Context) (artifact Artifact, ok bool, err error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var artifacts []Artifact
	for obj := range c.mc.ListObjects(listCtx, Bucket, minio.ListObjectsOptions{Prefix: Prefix}) {
		if obj.Err != nil {
			return Artifact{}, false, fmt.Errorf("listing objects under %s/%s: %w", Bucket, Prefix, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, Prefix)
		if name == "" {
			continue
		}
		artifacts = append(artifacts, Artifact{Name: name, LastModified: obj.LastModified})
	}

	return latestOf(artifacts)
}

// latestOf picks the most recently modified artifact. Pulled out as a
// pure function so artifact selection is unit testable without a live
// bucket listing.
func latestOf(artifacts []Artifact) (Artifact, bool, error) {
	if len(artifacts) == 0 {
		return Artifact{}, false, nil
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastModified.Before(artifacts[j].LastModified)
	})

	return artifacts[len(artifacts)-1], true, nil
}

// Exists reports whether at least one backup artifact exists.
func (c *Client) Exists(ctx context.Context) (bool, error) {
	_, ok, err := c.LatestBackup(ctx)
	return ok, err
}
