// Package directupload lets clients upload straight to a transient bucket
// prefix with scoped credentials, then moves finished uploads into
// permanent content-addressed storage.
package directupload

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/metrics"
	"github.com/aweris/binstore/internal/s3storage"
	"github.com/aweris/binstore/internal/transient"
)

var logger = loggo.GetLogger("binstore.directupload")

// ErrCredentialNotRenewed is returned by RefreshToken when the issuer
// handed back a credential that does not outlive the old one or reuses
// its secret.
const ErrCredentialNotRenewed = errors.ConstError("credential not renewed")

const (
	DefaultTokenDuration = time.Hour
	DefaultBatchTTL      = 24 * time.Hour
)

// CredentialIssuer issues temporary credentials. *sts.Client implements it.
type CredentialIssuer interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, opts ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// ObjectClient reads and removes uploaded objects in the transient bucket.
// *s3.Client implements it.
type ObjectClient interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Target receives completed uploads. *s3storage.Storage implements it.
type Target interface {
	CopyFrom(ctx context.Context, srcBucket, srcKey, key string, length int64) error
}

// Config configures a Broker.
type Config struct {
	// Bucket and Prefix locate the transient upload area.
	Bucket string
	Prefix string
	Region string

	RoleARN         string
	TokenDuration   time.Duration
	UseAcceleration bool

	// BatchTTL bounds how long a batch can be looked up.
	BatchTTL time.Duration

	Issuer    CredentialIssuer
	Client    ObjectClient
	Target    Target
	Algorithm digest.Algorithm
	Store     transient.Store
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	switch {
	case c.Bucket == "":
		return errors.NotValidf("missing bucket")
	case c.RoleARN == "":
		return errors.NotValidf("missing role ARN")
	case c.Issuer == nil:
		return errors.NotValidf("missing credential issuer")
	case c.Client == nil:
		return errors.NotValidf("missing object client")
	case c.Target == nil:
		return errors.NotValidf("missing target storage")
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		c.Prefix += "/"
	}
	if c.TokenDuration <= 0 {
		c.TokenDuration = DefaultTokenDuration
	}
	if c.BatchTTL <= 0 {
		c.BatchTTL = DefaultBatchTTL
	}
	if c.Algorithm == "" {
		c.Algorithm = digest.Default
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Store == nil {
		c.Store = transient.NewMemoryStore(c.Clock)
	}
	return nil
}

// Batch describes a transient upload area and the credential a client
// uses to write into it.
type Batch struct {
	ID              string    `json:"id"`
	Bucket          string    `json:"bucket"`
	Prefix          string    `json:"prefix"`
	Region          string    `json:"region,omitempty"`
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
	UseAcceleration bool      `json:"useS3Accelerate,omitempty"`
}

// FileInfo is what the client declares about an uploaded file. An empty
// or temporary digest is replaced by the computed one. Any other digest
// is kept: it is checked against the content when it is of the broker's
// algorithm, and passed through as is otherwise.
type FileInfo struct {
	Length          int64
	Digest          string
	DigestAlgorithm string
	TemporaryDigest bool
}

// Completed describes an upload moved into permanent storage. Key is the
// storage key. Digest and DigestAlgorithm are the digest kept for the
// file, which differ from Key when the client declared a foreign one.
type Completed struct {
	Key             string `json:"key"`
	Digest          string `json:"digest"`
	DigestAlgorithm string `json:"digestAlgorithm"`
	Length          int64  `json:"length"`
}

// Broker issues batch credentials and completes uploads.
type Broker struct {
	cfg Config
}

// NewBroker returns a Broker for cfg.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Broker{cfg: cfg}, nil
}

// NewBatch allocates a batch prefix and its first credential.
func (b *Broker) NewBatch(ctx context.Context) (*Batch, error) {
	id := uuid.NewString()
	batch := &Batch{
		ID:              id,
		Bucket:          b.cfg.Bucket,
		Prefix:          b.cfg.Prefix + id + "/",
		Region:          b.cfg.Region,
		UseAcceleration: b.cfg.UseAcceleration,
	}
	if err := b.issue(ctx, batch); err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.save(ctx, batch); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("new batch %s, credential expires %s", id, batch.Expiration.Format(time.RFC3339))
	return batch, nil
}

// GetBatch returns the batch with the given id.
func (b *Broker) GetBatch(ctx context.Context, id string) (*Batch, error) {
	if id == "" {
		return nil, errors.NotValidf("empty batch id")
	}
	data, err := b.cfg.Store.Get(ctx, batchKey(id))
	if errors.Is(err, errors.NotFound) {
		return nil, errors.NotFoundf("batch %q", id)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, errors.Annotatef(err, "decoding batch %q", id)
	}
	return &batch, nil
}

// RefreshToken replaces the batch credential with a new one that expires
// strictly later and has a different secret.
func (b *Broker) RefreshToken(ctx context.Context, id string) (*Batch, error) {
	batch, err := b.GetBatch(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	prevExpiration, prevSecret := batch.Expiration, batch.SecretAccessKey
	if err := b.issue(ctx, batch); err != nil {
		return nil, errors.Trace(err)
	}
	if !batch.Expiration.After(prevExpiration) || batch.SecretAccessKey == prevSecret {
		return nil, errors.Annotatef(ErrCredentialNotRenewed, "batch %q", id)
	}
	if err := b.save(ctx, batch); err != nil {
		return nil, errors.Trace(err)
	}
	return batch, nil
}

// CompleteUpload moves clientKey of batch id into permanent storage
// under its digest. It fails with NotFound when the object was never
// uploaded or was already completed.
func (b *Broker) CompleteUpload(ctx context.Context, id, clientKey string, info FileInfo) (_ *Completed, err error) {
	if clientKey == "" {
		return nil, errors.NotValidf("empty client key")
	}
	batch, err := b.GetBatch(ctx, id)
	if err != nil {
		return nil, errors.Trace(err)
	}

	claim := "complete:" + id + ":" + clientKey
	won, err := b.cfg.Store.PutIfAbsent(ctx, claim, []byte(b.cfg.Clock.Now().Format(time.RFC3339)), b.cfg.BatchTTL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !won {
		return nil, errors.NotFoundf("upload %q in batch %q already completed", clientKey, id)
	}
	defer func() {
		if err == nil {
			return
		}
		if derr := b.cfg.Store.Delete(context.Background(), claim); derr != nil {
			logger.Warningf("releasing claim on %s: %v", clientKey, derr)
		}
	}()

	srcKey := batch.Prefix + clientKey
	head, err := b.cfg.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(batch.Bucket),
		Key:    aws.String(srcKey),
	})
	if s3storage.IsNotFound(err) {
		return nil, errors.NotFoundf("upload %q in batch %q", clientKey, id)
	} else if err != nil {
		return nil, errors.Annotatef(err, "checking upload %q", clientKey)
	}
	length := aws.ToInt64(head.ContentLength)
	if length != info.Length {
		return nil, errors.Annotatef(digest.ErrIntegrityMismatch,
			"upload %q has %d bytes, declared %d", clientKey, length, info.Length)
	}

	key, err := b.digestOf(ctx, batch.Bucket, srcKey, aws.ToString(head.ETag))
	if err != nil {
		return nil, errors.Trace(err)
	}
	done := &Completed{
		Key:             key,
		Digest:          key,
		DigestAlgorithm: b.cfg.Algorithm.String(),
		Length:          length,
	}
	if info.Digest != "" && !info.TemporaryDigest {
		if b.ownDigest(info) {
			if info.Digest != key {
				return nil, errors.Annotatef(digest.ErrIntegrityMismatch,
					"upload %q has digest %s, declared %s", clientKey, key, info.Digest)
			}
		} else {
			done.Digest, done.DigestAlgorithm = info.Digest, info.DigestAlgorithm
		}
	}

	if err := b.cfg.Target.CopyFrom(ctx, batch.Bucket, srcKey, key, length); err != nil {
		return nil, errors.Annotatef(err, "copying upload %q", clientKey)
	}
	if _, err := b.cfg.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(batch.Bucket),
		Key:    aws.String(srcKey),
	}); err != nil {
		logger.Warningf("removing transient object %s: %v", srcKey, err)
	}
	b.cfg.Metrics.UploadCompleted()
	logger.Debugf("completed upload %s of batch %s as %s", clientKey, id, key)
	return done, nil
}

// ownDigest reports whether the declared digest is of the broker's
// algorithm. Without a declared algorithm the digest's form decides.
func (b *Broker) ownDigest(info FileInfo) bool {
	if info.DigestAlgorithm == "" {
		return b.cfg.Algorithm.IsValid(info.Digest)
	}
	alg, err := digest.ParseAlgorithm(info.DigestAlgorithm)
	return err == nil && alg == b.cfg.Algorithm
}

// digestOf trusts a plain MD5 ETag when the digest algorithm is MD5 and
// hashes the object otherwise. Multipart ETags carry a part count suffix
// and are never plain.
func (b *Broker) digestOf(ctx context.Context, bucket, key, etag string) (string, error) {
	etag = strings.Trim(etag, `"`)
	if b.cfg.Algorithm == digest.MD5 && digest.MD5.IsValid(etag) {
		return etag, nil
	}
	out, err := b.cfg.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if s3storage.IsNotFound(err) {
		return "", errors.NotFoundf("upload %q", key)
	} else if err != nil {
		return "", errors.Annotatef(err, "reading upload %q", key)
	}
	defer out.Body.Close()
	sum, _, err := digest.Sum(b.cfg.Algorithm, out.Body)
	return sum, errors.Annotatef(err, "hashing upload %q", key)
}

// issue asks for a credential limited to writes under the batch prefix
// and stores it in batch.
func (b *Broker) issue(ctx context.Context, batch *Batch) error {
	policy, err := uploadPolicy(batch.Bucket, batch.Prefix)
	if err != nil {
		return errors.Trace(err)
	}
	out, err := b.cfg.Issuer.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(b.cfg.RoleARN),
		RoleSessionName: aws.String("binstore-" + batch.ID),
		Policy:          aws.String(policy),
		DurationSeconds: aws.Int32(int32(b.cfg.TokenDuration / time.Second)),
	})
	if err != nil {
		return errors.Annotatef(err, "issuing credential for batch %q", batch.ID)
	}
	if out.Credentials == nil {
		return errors.Errorf("issuing credential for batch %q: empty response", batch.ID)
	}
	batch.AccessKeyID = aws.ToString(out.Credentials.AccessKeyId)
	batch.SecretAccessKey = aws.ToString(out.Credentials.SecretAccessKey)
	batch.SessionToken = aws.ToString(out.Credentials.SessionToken)
	batch.Expiration = aws.ToTime(out.Credentials.Expiration)
	return nil
}

func (b *Broker) save(ctx context.Context, batch *Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.cfg.Store.Put(ctx, batchKey(batch.ID), data, b.cfg.BatchTTL))
}

func batchKey(id string) string {
	return "batch:" + id
}

type policyStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// uploadPolicy is the inline session policy restricting a credential to
// uploads under prefix.
func uploadPolicy(bucket, prefix string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect: "Allow",
			Action: []string{
				"s3:PutObject",
				"s3:AbortMultipartUpload",
				"s3:ListMultipartUploadParts",
			},
			Resource: []string{fmt.Sprintf("arn:aws:s3:::%s/%s*", bucket, prefix)},
		}},
	}
	data, err := json.Marshal(doc)
	return string(data), errors.Trace(err)
}
