// Package s3test provides an in-memory S3 double for tests.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type object struct {
	data         []byte
	etag         string
	lastModified time.Time
	sse          types.ServerSideEncryption
}

type upload struct {
	bucket, key string
	parts       map[int32]object
	sse         types.ServerSideEncryption
}

// Server is an in-memory object store implementing the S3 client calls
// the storage packages use. It is safe for concurrent use.
type Server struct {
	// PageSize bounds ListObjectsV2 pages. Zero means 1000.
	PageSize int

	mu      sync.Mutex
	buckets map[string]map[string]*object
	uploads map[string]*upload
	nextID  int
	calls   map[string]int
	failOn  map[string]error
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{
		buckets: make(map[string]map[string]*object),
		uploads: make(map[string]*upload),
		calls:   make(map[string]int),
		failOn:  make(map[string]error),
	}
}

// Calls returns how many times op was called.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// FailOn makes every later call of op return err. A nil err clears it.
func (s *Server) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, op)
		return
	}
	s.failOn[op] = err
}

// Object returns the stored content of bucket/key.
func (s *Server) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// Encryption returns the SSE mode bucket/key was written with.
func (s *Server) Encryption(bucket, key string) types.ServerSideEncryption {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.buckets[bucket][key]; ok {
		return obj.sse
	}
	return ""
}

// Keys returns the sorted keys of bucket.
func (s *Server) Keys(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PendingUploads returns the number of multipart uploads neither
// completed nor aborted.
func (s *Server) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Put stores data directly, bypassing call counting.
func (s *Server) Put(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(bucket, key, &object{data: data, etag: etag(data)})
}

// begin counts a call and returns the injected failure for op, if any.
// The caller must hold s.mu.
func (s *Server) begin(op string) error {
	s.calls[op]++
	return s.failOn[op]
}

func (s *Server) store(bucket, key string, obj *object) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]*object)
		s.buckets[bucket] = b
	}
	obj.lastModified = time.Now()
	b[key] = obj
}

func (s *Server) lookup(bucket, key string) (*object, bool) {
	obj, ok := s.buckets[bucket][key]
	return obj, ok
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func (s *Server) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var data []byte
	if in.Body != nil {
		var err error
		if data, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("PutObject"); err != nil {
		return nil, err
	}
	obj := &object{data: data, etag: etag(data), sse: in.ServerSideEncryption}
	s.store(aws.ToString(in.Bucket), aws.ToString(in.Key), obj)
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (s *Server) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("GetObject"); err != nil {
		return nil, err
	}
	obj, ok := s.lookup(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(obj.etag),
		LastModified:  aws.Time(obj.lastModified),
	}, nil
}

func (s *Server) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("HeadObject"); err != nil {
		return nil, err
	}
	obj, ok := s.lookup(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength:        aws.Int64(int64(len(obj.data))),
		ETag:                 aws.String(obj.etag),
		LastModified:         aws.Time(obj.lastModified),
		ServerSideEncryption: obj.sse,
	}, nil
}

func (s *Server) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("DeleteObject"); err != nil {
		return nil, err
	}
	delete(s.buckets[aws.ToString(in.Bucket)], aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (s *Server) source(copySource string) (*object, error) {
	bucket, escaped, ok := strings.Cut(copySource, "/")
	if !ok {
		return nil, fmt.Errorf("invalid copy source %q", copySource)
	}
	key, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("invalid copy source %q: %v", copySource, err)
	}
	obj, found := s.lookup(bucket, key)
	if !found {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return obj, nil
}

func (s *Server) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("CopyObject"); err != nil {
		return nil, err
	}
	src, err := s.source(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	obj := &object{data: src.data, etag: src.etag, sse: in.ServerSideEncryption}
	s.store(aws.ToString(in.Bucket), aws.ToString(in.Key), obj)
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(obj.etag)},
	}, nil
}

func (s *Server) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("CreateMultipartUpload"); err != nil {
		return nil, err
	}
	s.nextID++
	id := "upload-" + strconv.Itoa(s.nextID)
	s.uploads[id] = &upload{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		parts:  make(map[int32]object),
		sse:    in.ServerSideEncryption,
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (s *Server) uploadFor(id *string) (*upload, error) {
	u, ok := s.uploads[aws.ToString(id)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	return u, nil
}

func (s *Server) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("UploadPart"); err != nil {
		return nil, err
	}
	u, err := s.uploadFor(in.UploadId)
	if err != nil {
		return nil, err
	}
	part := object{data: data, etag: etag(data)}
	u.parts[aws.ToInt32(in.PartNumber)] = part
	return &s3.UploadPartOutput{ETag: aws.String(part.etag)}, nil
}

func (s *Server) UploadPartCopy(ctx context.Context, in *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("UploadPartCopy"); err != nil {
		return nil, err
	}
	u, err := s.uploadFor(in.UploadId)
	if err != nil {
		return nil, err
	}
	src, err := s.source(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	var start, end int64
	if _, err := fmt.Sscanf(aws.ToString(in.CopySourceRange), "bytes=%d-%d", &start, &end); err != nil {
		return nil, fmt.Errorf("invalid range %q", aws.ToString(in.CopySourceRange))
	}
	if start < 0 || end >= int64(len(src.data)) || start > end {
		return nil, fmt.Errorf("range %q out of bounds", aws.ToString(in.CopySourceRange))
	}
	data := append([]byte(nil), src.data[start:end+1]...)
	part := object{data: data, etag: etag(data)}
	u.parts[aws.ToInt32(in.PartNumber)] = part
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: aws.String(part.etag)},
	}, nil
}

func (s *Server) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	u, err := s.uploadFor(in.UploadId)
	if err != nil {
		return nil, err
	}
	if in.MultipartUpload == nil || len(in.MultipartUpload.Parts) == 0 {
		return nil, fmt.Errorf("no parts")
	}
	var (
		data  []byte
		sums  []byte
		count int32
	)
	for _, p := range in.MultipartUpload.Parts {
		count++
		if aws.ToInt32(p.PartNumber) != count {
			return nil, fmt.Errorf("part %d out of order", aws.ToInt32(p.PartNumber))
		}
		part, ok := u.parts[count]
		if !ok || part.etag != aws.ToString(p.ETag) {
			return nil, &types.NoSuchUpload{Message: aws.String(fmt.Sprintf("invalid part %d", count))}
		}
		data = append(data, part.data...)
		sum := md5.Sum(part.data)
		sums = append(sums, sum[:]...)
	}
	total := md5.Sum(sums)
	obj := &object{
		data: data,
		etag: fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(total[:]), count),
		sse:  u.sse,
	}
	s.store(u.bucket, u.key, obj)
	delete(s.uploads, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(obj.etag)}, nil
}

func (s *Server) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("AbortMultipartUpload"); err != nil {
		return nil, err
	}
	delete(s.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (s *Server) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("ListObjectsV2"); err != nil {
		return nil, err
	}
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	after := aws.ToString(in.ContinuationToken)

	var keys []string
	commonPrefixes := map[string]bool{}
	for k := range s.buckets[aws.ToString(in.Bucket)] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				commonPrefixes[k[:len(prefix)+i+1]] = true
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pageSize := s.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	out := &s3.ListObjectsV2Output{
		Name:        in.Bucket,
		Prefix:      in.Prefix,
		IsTruncated: aws.Bool(false),
	}
	for _, k := range keys {
		if after != "" && k <= after {
			continue
		}
		if len(out.Contents) == pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = out.Contents[len(out.Contents)-1].Key
			break
		}
		obj := s.buckets[aws.ToString(in.Bucket)][k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.data))),
			ETag:         aws.String(obj.etag),
			LastModified: aws.Time(obj.lastModified),
		})
	}
	if after == "" {
		for p := range commonPrefixes {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(p)})
		}
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}
