package chronicle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveConfig configures off-device archival of sealed partitions.
type ArchiveConfig struct {
	// Enabled turns archival on.
	Enabled bool `yaml:"enabled"`

	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly. DO NOT commit credentials to source
	// control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"` // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style"`

	// Interval between archival sweeps. Default: 6h.
	Interval time.Duration `yaml:"interval"`

	// Retry bounds upload attempts within one sweep. A file that still
	// fails after the last attempt is retried on the next sweep.
	Retry RetryConfig `yaml:"retry"`

	// IncludeBlobs also uploads blob sidecars of sealed months.
	// Default: true (set false to archive partition databases only).
	IncludeBlobs *bool `yaml:"include_blobs"`
}

func (c *ArchiveConfig) normalize() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.IncludeBlobs == nil {
		v := true
		c.IncludeBlobs = &v
	}
	c.Retry.normalize()
}

// objectStore is the slice of the S3 API the archiver needs; the indirection
// keeps the upload path testable without a live endpoint.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ objectStore = (*s3.Client)(nil)

// Archiver uploads sealed month partitions and their blob sidecars to
// object storage. The active month is never archived: its partition is
// still receiving writes. Uploaded files are tracked in a local state file
// so sweeps are incremental.
type Archiver struct {
	config ArchiveConfig
	client objectStore
	root   string
	logger *slog.Logger

	statePath string
	uploaded  map[string]int64 // relative path -> size at upload time
}

// NewArchiver builds an archiver over the chronicle root. Returns nil when
// archival is disabled.
func NewArchiver(cfg ArchiveConfig, root string, logger *slog.Logger) (*Archiver, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.normalize()
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	a := &Archiver{
		config:    cfg,
		client:    s3.NewFromConfig(awsCfg, s3Opts...),
		root:      root,
		logger:    logger,
		statePath: filepath.Join(root, "archive-state.json"),
		uploaded:  make(map[string]int64),
	}
	a.loadState()
	return a, nil
}

// Run sweeps on the configured interval until ctx is cancelled. One sweep
// runs immediately at startup.
func (a *Archiver) Run(ctx context.Context) {
	if err := a.Sweep(ctx); err != nil {
		a.logger.Warn("archive sweep failed", "error", err)
	}
	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.Warn("archive sweep failed", "error", err)
			}
		}
	}
}

// Sweep uploads every sealed, not-yet-archived file once. A partition is
// sealed when its month is strictly before the current month.
func (a *Archiver) Sweep(ctx context.Context) error {
	paths, err := a.sealedFiles(time.Now())
	if err != nil {
		return err
	}

	var uploadedCount int
	for _, rel := range paths {
		full := filepath.Join(a.root, rel)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if size, ok := a.uploaded[rel]; ok && size == info.Size() {
			continue
		}
		if err := a.upload(ctx, rel, full); err != nil {
			a.logger.Warn("failed to archive file", "path", rel, "error", err)
			continue
		}
		a.uploaded[rel] = info.Size()
		uploadedCount++
	}

	if uploadedCount > 0 {
		a.saveState()
		a.logger.Info("archive sweep complete", "uploaded", uploadedCount)
	}
	return nil
}

// sealedFiles lists root-relative paths of archivable files as of now:
// partition databases for months before the current one, plus their blob
// directories when enabled.
func (a *Archiver) sealedFiles(now time.Time) ([]string, error) {
	currentDB := monthPartitionPath(a.root, now)

	dbPaths, err := listPartitionPaths(a.root)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, p := range dbPaths {
		if p == currentDB {
			continue
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			continue
		}
		out = append(out, rel)

		if !*a.config.IncludeBlobs {
			continue
		}
		// Blob sidecars live under <year>/blobs/<MM-DD>/; a partition
		// file <year>/<YYYYMM>.db seals the matching month's day dirs.
		base := filepath.Base(rel)
		if len(base) < 9 {
			continue
		}
		year := filepath.Dir(rel)
		month := base[4:6]
		blobRoot := filepath.Join(a.root, year, "blobs")
		days, err := os.ReadDir(blobRoot)
		if err != nil {
			continue
		}
		for _, day := range days {
			if !day.IsDir() || len(day.Name()) < 2 || day.Name()[:2] != month {
				continue
			}
			files, err := os.ReadDir(filepath.Join(blobRoot, day.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				out = append(out, filepath.Join(year, "blobs", day.Name(), f.Name()))
			}
		}
	}
	return out, nil
}

func (a *Archiver) upload(ctx context.Context, rel, full string) error {
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", full, err)
	}
	defer func() { _ = f.Close() }()

	key := a.config.Prefix + filepath.ToSlash(rel)
	err = withRetry(ctx, a.config.Retry, func() error {
		// A failed attempt may have consumed part of the body.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.config.Bucket),
			Key:    aws.String(key),
			Body:   f,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

func (a *Archiver) loadState() {
	data, err := os.ReadFile(a.statePath)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &a.uploaded)
}

func (a *Archiver) saveState() {
	data, err := json.MarshalIndent(a.uploaded, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(a.statePath, data, 0o644)
}
