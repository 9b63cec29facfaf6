package binstore_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/aweris/binstore"
	"github.com/aweris/binstore/internal/directupload"
	"github.com/aweris/binstore/internal/s3storage/s3test"
)

// staticIssuer hands out one fixed credential.
type staticIssuer struct{}

func (staticIssuer) AssumeRole(_ context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return &sts.AssumeRoleOutput{
		Credentials: &types.Credentials{
			AccessKeyId:     aws.String("AKIA" + aws.ToString(in.RoleSessionName)),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(time.Now().Add(time.Hour)),
		},
	}, nil
}

type configSuite struct{}

var _ = gc.Suite(&configSuite{})

func (s *configSuite) TestLocalBackend(c *gc.C) {
	dir := c.MkDir()
	m, err := binstore.NewFromConfig(context.Background(), "local", binstore.Config{
		Dir:              dir,
		CacheMaxSize:     "10MiB",
		DigestAlgorithm:  "sha256",
		Compression:      true,
		CompressionLevel: 3,
	}, binstore.Dependencies{})
	c.Assert(err, jc.ErrorIsNil)
	defer m.Close()
	c.Check(m.Name(), gc.Equals, "local")
	c.Check(m.Algorithm().String(), gc.Equals, "SHA-256")

	b := binstore.NewBlob([]byte(cafe), binstore.BlobInfo{})
	key, err := m.WriteBlob(context.Background(), b)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(b.DigestAlgorithm, gc.Equals, "SHA-256")

	// Compressed on disk, cache under the storage dir.
	data, err := os.ReadFile(filepath.Join(dir, "objects", key[:2], key[2:]))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(data[:4], jc.DeepEquals, []byte{0x28, 0xb5, 0x2f, 0xfd})
	_, err = os.Stat(filepath.Join(dir, "cache", "files", key))
	c.Check(err, jc.ErrorIsNil)
}

func (s *configSuite) TestInvalidConfig(c *gc.C) {
	ctx := context.Background()
	dir := c.MkDir()
	for i, test := range []struct {
		about string
		cfg   binstore.Config
		kind  error
	}{{
		about: "unknown backend",
		cfg:   binstore.Config{Backend: "ftp", Dir: dir},
		kind:  errors.NotSupported,
	}, {
		about: "missing dir",
		cfg:   binstore.Config{Backend: "local"},
		kind:  errors.NotValid,
	}, {
		about: "bad cache size",
		cfg:   binstore.Config{Dir: dir, CacheMaxSize: "lots"},
		kind:  errors.NotValid,
	}, {
		about: "bad digest",
		cfg:   binstore.Config{Dir: dir, DigestAlgorithm: "crc32"},
		kind:  errors.NotValid,
	}, {
		about: "s3 without bucket",
		cfg:   binstore.Config{Backend: "s3"},
		kind:  errors.NotValid,
	}} {
		c.Logf("test %d: %s", i, test.about)
		_, err := binstore.NewFromConfig(ctx, "bad", test.cfg, binstore.Dependencies{S3Client: s3test.NewServer()})
		c.Check(err, jc.ErrorIs, test.kind)
	}
}

func (s *configSuite) s3Config(c *gc.C) binstore.Config {
	cfg := binstore.Config{
		Backend:  "s3",
		CacheDir: c.MkDir(),
		S3: binstore.S3Config{
			Bucket:             "permanent",
			Prefix:             "repo",
			MultipartThreshold: "5 MB",
			PartSize:           "5MiB",
		},
		DirectUpload: binstore.DirectUploadConfig{
			Bucket:  "transient",
			Prefix:  "uploads",
			RoleARN: "arn:aws:iam::123456789012:role/upload",
		},
	}
	cfg.S3.Region = "eu-west-1"
	return cfg
}

func (s *configSuite) TestS3Backend(c *gc.C) {
	ctx := context.Background()
	server := s3test.NewServer()
	m, err := binstore.NewFromConfig(ctx, "cloud", s.s3Config(c), binstore.Dependencies{
		S3Client: server,
		Issuer:   staticIssuer{},
	})
	c.Assert(err, jc.ErrorIsNil)
	defer m.Close()

	key, err := m.WriteBlob(ctx, binstore.NewBlob([]byte(cafe), binstore.BlobInfo{}))
	c.Assert(err, jc.ErrorIsNil)
	data, ok := server.Object("permanent", "repo/"+key)
	c.Assert(ok, jc.IsTrue)
	c.Check(string(data), gc.Equals, cafe)

	broker, err := m.DirectUpload()
	c.Assert(err, jc.ErrorIsNil)
	batch, err := broker.NewBatch(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(batch.Bucket, gc.Equals, "transient")
	c.Check(batch.Region, gc.Equals, "eu-west-1")
	c.Check(batch.Prefix, gc.Equals, "uploads/"+batch.ID+"/")

	// An upload through the batch lands in the manager's storage.
	server.Put("transient", batch.Prefix+"client-key", []byte("uploaded"))
	done, err := broker.CompleteUpload(ctx, batch.ID, "client-key", directupload.FileInfo{Length: 8})
	c.Assert(err, jc.ErrorIsNil)
	b, err := m.ReadBlob(ctx, binstore.BlobInfo{Key: done.Key})
	c.Assert(err, jc.ErrorIsNil)
	str, err := b.String(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(str, gc.Equals, "uploaded")
}

func (s *configSuite) TestS3BackendRedisBatches(c *gc.C) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	c.Assert(err, jc.ErrorIsNil)
	defer mr.Close()
	cfg := s.s3Config(c)
	cfg.DirectUpload.RedisAddr = mr.Addr()

	m, err := binstore.NewFromConfig(ctx, "cloud", cfg, binstore.Dependencies{
		S3Client: s3test.NewServer(),
		Issuer:   staticIssuer{},
	})
	c.Assert(err, jc.ErrorIsNil)
	broker, err := m.DirectUpload()
	c.Assert(err, jc.ErrorIsNil)
	batch, err := broker.NewBatch(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(mr.Exists("binstore:batch:"+batch.ID), jc.IsTrue)

	c.Assert(m.Close(), jc.ErrorIsNil)
}

func (s *configSuite) TestS3BackendRedisUnreachable(c *gc.C) {
	cfg := s.s3Config(c)
	cfg.DirectUpload.RedisAddr = "127.0.0.1:1"
	_, err := binstore.NewFromConfig(context.Background(), "cloud", cfg, binstore.Dependencies{
		S3Client: s3test.NewServer(),
		Issuer:   staticIssuer{},
	})
	c.Check(err, gc.ErrorMatches, "connecting to redis at 127.0.0.1:1: .*")
}
