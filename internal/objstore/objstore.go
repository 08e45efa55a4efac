// Package objstore uploads store snapshots to S3-compatible object storage.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// snapshotContentType is the registered media type of SQLite files.
const snapshotContentType = "application/vnd.sqlite3"

// Config validation errors.
var (
	ErrEndpointEmpty = errors.New("object store endpoint must not be empty")
	ErrBucketEmpty   = errors.New("object store bucket must not be empty")
	ErrNoBucket      = errors.New("bucket does not exist")
)

// Config locates the bucket snapshots go to.
type Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Region    string `yaml:"region" mapstructure:"region"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointEmpty
	}
	if c.Bucket == "" {
		return ErrBucketEmpty
	}
	return nil
}

// Object describes an uploaded object.
type Object struct {
	Bucket string
	Key    string
	Size   int64
}

// Uploader puts snapshot files into one bucket under a key prefix.
type Uploader struct {
	client *minio.Client
	bucket string
	prefix string
	log    *slog.Logger
}

// New builds an Uploader. No request is made until the first upload.
func New(cfg Config, log *slog.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *minio.Client, bucket, prefix string, log *slog.Logger) *Uploader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Uploader{client: client, bucket: bucket, prefix: prefix, log: log}
}

// Key returns the object key for name under the uploader's prefix.
func (u *Uploader) Key(name string) string {
	return path.Join(u.prefix, name)
}

// SnapshotName returns a unique, time-sortable object name for a snapshot.
func SnapshotName(now time.Time, id uuid.UUID) string {
	return fmt.Sprintf("deepdecipher-%s-%s.db", now.UTC().Format("20060102T150405Z"), id)
}

// Upload puts the file at src under name. The bucket must exist.
func (u *Uploader) Upload(ctx context.Context, src, name string) (Object, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", src, err)
	}

	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: check bucket: %w", src, err)
	}
	if !exists {
		return Object{}, fmt.Errorf("upload %s: %w: %s", src, ErrNoBucket, u.bucket)
	}

	key := u.Key(name)
	start := time.Now()
	res, err := u.client.FPutObject(ctx, u.bucket, key, src, minio.PutObjectOptions{
		ContentType: snapshotContentType,
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s to %s/%s: %w", src, u.bucket, key, err)
	}

	u.log.Info("snapshot uploaded", "bucket", u.bucket, "key", key,
		"size", humanize.Bytes(uint64(info.Size())), "duration", time.Since(start).Round(time.Millisecond))
	return Object{Bucket: u.bucket, Key: key, Size: res.Size}, nil
}
