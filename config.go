package binstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/aweris/binstore/internal/compression"
	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/directupload"
	"github.com/aweris/binstore/internal/metrics"
	"github.com/aweris/binstore/internal/s3storage"
	"github.com/aweris/binstore/internal/storage"
	"github.com/aweris/binstore/internal/transient"
)

// Backends accepted in Config.Backend.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config describes a manager. Sizes are human readable byte counts such
// as "100MiB" or "16 MB".
type Config struct {
	Backend          string        `mapstructure:"backend"`
	Dir              string        `mapstructure:"dir"`
	CacheDir         string        `mapstructure:"cache_dir"`
	CacheMaxSize     string        `mapstructure:"cache_max_size"`
	DigestAlgorithm  string        `mapstructure:"digest"`
	Compression      bool          `mapstructure:"compression"`
	CompressionLevel int           `mapstructure:"compression_level"`
	GCGracePeriod    time.Duration `mapstructure:"gc_grace_period"`

	S3           S3Config           `mapstructure:"s3"`
	DirectUpload DirectUploadConfig `mapstructure:"direct_upload"`
}

// S3Config configures the s3 backend.
type S3Config struct {
	s3storage.ClientConfig `mapstructure:",squash"`

	Bucket               string `mapstructure:"bucket"`
	Prefix               string `mapstructure:"prefix"`
	ServerSideEncryption bool   `mapstructure:"sse"`
	KMSKeyID             string `mapstructure:"kms_key_id"`
	MultipartThreshold   string `mapstructure:"multipart_threshold"`
	PartSize             string `mapstructure:"part_size"`
	CopyThreshold        string `mapstructure:"copy_threshold"`
	CopyPartSize         string `mapstructure:"copy_part_size"`
	Concurrency          int    `mapstructure:"concurrency"`
}

// DirectUploadConfig enables the direct upload broker. It requires the
// s3 backend and is off while Bucket is empty.
type DirectUploadConfig struct {
	Bucket        string        `mapstructure:"bucket"`
	Prefix        string        `mapstructure:"prefix"`
	RoleARN       string        `mapstructure:"role_arn"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
	Accelerate    bool          `mapstructure:"accelerate"`
	BatchTTL      time.Duration `mapstructure:"batch_ttl"`

	// RedisAddr holds batch state in Redis. Empty keeps it in memory.
	RedisAddr string `mapstructure:"redis_addr"`
}

// parseSize parses a human readable byte count. Empty means zero.
func parseSize(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.NotValidf("%s %q", field, s)
	}
	return int64(n), nil
}

// Dependencies lets callers replace the components NewFromConfig would
// otherwise build. Zero values are built from the config.
type Dependencies struct {
	S3Client       s3storage.Client
	ObjectClient   directupload.ObjectClient
	Issuer         directupload.CredentialIssuer
	TransientStore transient.Store
	Clock          clock.Clock
	Metrics        *metrics.Metrics
}

// NewFromConfig builds the manager described by cfg.
func NewFromConfig(ctx context.Context, name string, cfg Config, deps Dependencies) (*Manager, error) {
	alg, err := digest.ParseAlgorithm(cfg.DigestAlgorithm)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cacheMax, err := parseSize("cache_max_size", cfg.CacheMaxSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	opts := []Option{
		WithDigestAlgorithm(alg),
		WithCacheMaxSize(cacheMax),
		WithClock(deps.Clock),
		WithMetrics(deps.Metrics),
	}
	if cfg.CacheDir != "" {
		opts = append(opts, WithCacheDir(cfg.CacheDir))
	}
	if cfg.GCGracePeriod > 0 {
		opts = append(opts, WithGCGracePeriod(cfg.GCGracePeriod))
	}

	var fileStorage FileStorage
	switch strings.ToLower(cfg.Backend) {
	case "", BackendLocal:
		if cfg.Dir == "" {
			return nil, errors.NotValidf("missing dir for local backend")
		}
		compressor := compression.NewCompressor(cfg.CompressionLevel, cfg.Compression)
		local, err := storage.NewLocalStore(expandPath(cfg.Dir), alg, compressor)
		if err != nil {
			return nil, errors.Trace(err)
		}
		fileStorage = local
		if cfg.CacheDir == "" {
			opts = append(opts, WithCacheDir(filepath.Join(expandPath(cfg.Dir), "cache")))
		}
	case BackendS3:
		s3Store, brokerOpts, err := newS3Storage(ctx, alg, cfg, deps)
		if err != nil {
			return nil, errors.Trace(err)
		}
		fileStorage = s3Store
		opts = append(opts, brokerOpts...)
	default:
		return nil, errors.NotSupportedf("backend %q", cfg.Backend)
	}

	m, err := NewManager(name, fileStorage, opts...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("%s: opened %s backend, digest %s", name, backendName(fileStorage), alg)
	return m, nil
}

func newS3Storage(ctx context.Context, alg digest.Algorithm, cfg Config, deps Dependencies) (*s3storage.Storage, []Option, error) {
	sc := s3storage.Config{
		Bucket:               cfg.S3.Bucket,
		Prefix:               cfg.S3.Prefix,
		Algorithm:            alg,
		ServerSideEncryption: cfg.S3.ServerSideEncryption,
		KMSKeyID:             cfg.S3.KMSKeyID,
		Concurrency:          cfg.S3.Concurrency,
	}
	for _, size := range []struct {
		field string
		value string
		dest  *int64
	}{
		{"multipart_threshold", cfg.S3.MultipartThreshold, &sc.MultipartThreshold},
		{"part_size", cfg.S3.PartSize, &sc.PartSize},
		{"copy_threshold", cfg.S3.CopyThreshold, &sc.CopyThreshold},
		{"copy_part_size", cfg.S3.CopyPartSize, &sc.CopyPartSize},
	} {
		n, err := parseSize(size.field, size.value)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		*size.dest = n
	}

	client := deps.S3Client
	if client == nil {
		c, err := s3storage.NewClient(ctx, cfg.S3.ClientConfig)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		client = c
	}
	st, err := s3storage.New(client, sc)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	du := cfg.DirectUpload
	if du.Bucket == "" {
		return st, nil, nil
	}
	bc := directupload.Config{
		Bucket:          du.Bucket,
		Prefix:          du.Prefix,
		Region:          cfg.S3.Region,
		RoleARN:         du.RoleARN,
		TokenDuration:   du.TokenDuration,
		UseAcceleration: du.Accelerate,
		BatchTTL:        du.BatchTTL,
		Issuer:          deps.Issuer,
		Client:          deps.ObjectClient,
		Target:          st,
		Algorithm:       alg,
		Store:           deps.TransientStore,
		Clock:           deps.Clock,
		Metrics:         deps.Metrics,
	}
	if bc.Client == nil {
		bc.Client = client
	}
	if bc.Issuer == nil {
		awsCfg, err := s3storage.LoadAWSConfig(ctx, cfg.S3.ClientConfig)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		bc.Issuer = sts.NewFromConfig(awsCfg)
	}
	var closeStore func() error
	if bc.Store == nil && du.RedisAddr != "" {
		rc, err := transient.DialRedis(ctx, du.RedisAddr)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		bc.Store = transient.NewRedisStore(rc, "binstore:")
		closeStore = rc.Close
	}
	broker, err := directupload.NewBroker(bc)
	if err != nil {
		if closeStore != nil {
			closeStore()
		}
		return nil, nil, errors.Annotate(err, "configuring direct upload")
	}
	opts := []Option{WithBroker(broker)}
	if closeStore != nil {
		opts = append(opts, withCloser(closeStore))
	}
	return st, opts, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
