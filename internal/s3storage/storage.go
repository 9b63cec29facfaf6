// Package s3storage stores content-addressed objects in an S3-compatible
// bucket under a key prefix.
package s3storage

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/multipart"
	"github.com/aweris/binstore/internal/storage"
)

var logger = loggo.GetLogger("binstore.s3storage")

const (
	DefaultMultipartThreshold = 16 << 20
	DefaultPartSize           = 8 << 20
	DefaultCopyThreshold      = 1 << 30
	DefaultCopyPartSize       = 256 << 20
	DefaultConcurrency        = 4
)

// Config configures a Storage.
type Config struct {
	Bucket    string
	Prefix    string
	Algorithm digest.Algorithm

	// ServerSideEncryption attaches SSE to every write: AES256, or
	// aws:kms when KMSKeyID is set.
	ServerSideEncryption bool
	KMSKeyID             string

	// MultipartThreshold and PartSize apply to uploads of local files.
	MultipartThreshold int64
	PartSize           int64

	// CopyThreshold and CopyPartSize apply to server-side copies.
	CopyThreshold int64
	CopyPartSize  int64

	Concurrency int
}

// Validate fills defaults and checks cfg.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.NotValidf("empty bucket")
	}
	if c.Algorithm == "" {
		c.Algorithm = digest.Default
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.PartSize <= 0 {
		c.PartSize = DefaultPartSize
	}
	if c.CopyThreshold <= 0 {
		c.CopyThreshold = DefaultCopyThreshold
	}
	if c.CopyPartSize <= 0 {
		c.CopyPartSize = DefaultCopyPartSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return nil
}

// Storage implements storage.FileStorage on S3.
type Storage struct {
	client Client
	cfg    Config
}

var _ storage.FileStorage = (*Storage)(nil)

// New returns a Storage over client.
func New(client Client, cfg Config) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Storage{client: client, cfg: cfg}, nil
}

// Backend names the storage kind.
func (s *Storage) Backend() string { return "s3" }

// Bucket returns the bucket name.
func (s *Storage) Bucket() string { return s.cfg.Bucket }

// Key returns the object key for a digest.
func (s *Storage) Key(digest string) string { return s.cfg.Prefix + digest }

// StoreFile uploads the file at path under key unless it is already
// stored. Files at or above the multipart threshold are uploaded in
// parts.
func (s *Storage) StoreFile(ctx context.Context, key, path string) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	if exists {
		logger.Debugf("object %s already stored", key)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Annotatef(err, "opening %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Trace(err)
	}

	size := info.Size()
	if size < s.cfg.MultipartThreshold {
		in := &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(s.Key(key)),
			Body:          f,
			ContentLength: aws.Int64(size),
		}
		in.ServerSideEncryption, in.SSEKMSKeyId = s.sse()
		if _, err := s.client.PutObject(ctx, in); err != nil {
			return mapError(err, "put", key)
		}
		logger.Debugf("stored %s (%d bytes)", key, size)
		return nil
	}
	return errors.Trace(s.uploadMultipart(ctx, key, f, size))
}

func (s *Storage) uploadMultipart(ctx context.Context, key string, f *os.File, size int64) error {
	slices, err := multipart.Slices(s.cfg.PartSize, size)
	if err != nil {
		return errors.Trace(err)
	}
	return s.runMultipart(ctx, key, slices, func(ctx context.Context, uploadID string, sl multipart.Slice) (*string, error) {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(s.Key(key)),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(sl.PartNumber()),
			Body:          io.NewSectionReader(f, sl.Start, sl.Len()),
			ContentLength: aws.Int64(sl.Len()),
		})
		if err != nil {
			return nil, err
		}
		return out.ETag, nil
	})
}

// CopyFrom copies srcKey in srcBucket to the slot for key on the server
// side unless key is already stored. Objects at or above the copy
// threshold are copied in parts.
func (s *Storage) CopyFrom(ctx context.Context, srcBucket, srcKey, key string, length int64) error {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	if exists {
		logger.Debugf("object %s already stored, not copying %s", key, srcKey)
		return nil
	}

	source := copySource(srcBucket, srcKey)
	if length < s.cfg.CopyThreshold {
		in := &s3.CopyObjectInput{
			Bucket:     aws.String(s.cfg.Bucket),
			Key:        aws.String(s.Key(key)),
			CopySource: aws.String(source),
		}
		in.ServerSideEncryption, in.SSEKMSKeyId = s.sse()
		if _, err := s.client.CopyObject(ctx, in); err != nil {
			return mapError(err, "copy", srcKey)
		}
		logger.Debugf("copied %s to %s", source, key)
		return nil
	}

	slices, err := multipart.Slices(s.cfg.CopyPartSize, length)
	if err != nil {
		return errors.Trace(err)
	}
	return s.runMultipart(ctx, key, slices, func(ctx context.Context, uploadID string, sl multipart.Slice) (*string, error) {
		out, err := s.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(s.cfg.Bucket),
			Key:             aws.String(s.Key(key)),
			UploadId:        aws.String(uploadID),
			PartNumber:      aws.Int32(sl.PartNumber()),
			CopySource:      aws.String(source),
			CopySourceRange: aws.String(sl.Range()),
		})
		if err != nil {
			return nil, err
		}
		if out.CopyPartResult == nil {
			return nil, errors.Errorf("part %d: missing copy result", sl.PartNumber())
		}
		return out.CopyPartResult.ETag, nil
	})
}

// copySource returns the URL-encoded bucket/key form S3 expects in
// CopySource. Key segments are escaped one by one so slashes survive.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

type partFunc func(ctx context.Context, uploadID string, sl multipart.Slice) (etag *string, err error)

// runMultipart creates a multipart upload for key, runs part for every
// slice in parallel and completes the upload. Any failure aborts it, so
// nothing is visible under key unless every part succeeded.
func (s *Storage) runMultipart(ctx context.Context, key string, slices []multipart.Slice, part partFunc) error {
	create := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.Key(key)),
	}
	create.ServerSideEncryption, create.SSEKMSKeyId = s.sse()
	created, err := s.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return mapError(err, "create multipart upload", key)
	}
	uploadID := aws.ToString(created.UploadId)

	parts := make([]types.CompletedPart, len(slices))
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx).WithCancelOnError()
	for _, sl := range slices {
		sl := sl
		p.Go(func(ctx context.Context) error {
			etag, err := part(ctx, uploadID, sl)
			if err != nil {
				return mapError(err, "upload part", key)
			}
			mu.Lock()
			parts[sl.Num] = types.CompletedPart{ETag: etag, PartNumber: aws.Int32(sl.PartNumber())}
			mu.Unlock()
			return nil
		})
	}
	err = p.Wait()
	if err == nil {
		_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.cfg.Bucket),
			Key:             aws.String(s.Key(key)),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
		})
		err = mapError(err, "complete multipart upload", key)
	}
	if err != nil {
		s.abort(key, uploadID)
		return errors.Trace(err)
	}
	logger.Debugf("stored %s in %d parts", key, len(slices))
	return nil
}

func (s *Storage) abort(key, uploadID string) {
	// The caller's context may already be cancelled.
	_, err := s.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(s.Key(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		logger.Warningf("aborting multipart upload %s for %s: %v", uploadID, key, err)
	}
}

func (s *Storage) sse() (types.ServerSideEncryption, *string) {
	if !s.cfg.ServerSideEncryption {
		return "", nil
	}
	if s.cfg.KMSKeyID != "" {
		return types.ServerSideEncryptionAwsKms, aws.String(s.cfg.KMSKeyID)
	}
	return types.ServerSideEncryptionAes256, nil
}

// FetchFile downloads key into dest and verifies its digest. On a
// mismatch dest is removed.
func (s *Storage) FetchFile(ctx context.Context, key, dest string) (err error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.Key(key)),
	})
	if err != nil {
		return mapError(err, "get", key)
	}
	defer out.Body.Close()

	f, err := os.Create(dest)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Trace(cerr)
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	hw := digest.NewWriter(s.cfg.Algorithm)
	if _, err := io.Copy(io.MultiWriter(f, hw), out.Body); err != nil {
		return mapError(err, "read", key)
	}
	if s.cfg.Algorithm.IsValid(key) && hw.Digest() != key {
		return errors.Annotatef(digest.ErrIntegrityMismatch, "object %s has digest %s", key, hw.Digest())
	}
	logger.Debugf("fetched %s (%d bytes)", key, hw.Count())
	return nil
}

// Exists reports whether key is stored.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.Key(key)),
	})
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, mapError(err, "head", key)
}

// Delete removes key. A missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.Key(key)),
	})
	if err != nil && !IsNotFound(err) {
		return mapError(err, "delete", key)
	}
	return nil
}

// List pages through the objects directly under the prefix. Keys are
// reported without the prefix.
func (s *Storage) List(ctx context.Context, fn func(storage.ObjectInfo) error) error {
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Delimiter: aws.String("/"),
	}
	if s.cfg.Prefix != "" {
		in.Prefix = aws.String(s.cfg.Prefix)
	}
	pages := s3.NewListObjectsV2Paginator(s.client, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return mapError(err, "list", s.cfg.Prefix)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), s.cfg.Prefix)
			if key == "" {
				continue
			}
			if err := fn(storage.ObjectInfo{
				Key:     key,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			}); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}
