package directupload_test

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"

	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/directupload"
	"github.com/aweris/binstore/internal/s3storage"
	"github.com/aweris/binstore/internal/s3storage/s3test"
	"github.com/aweris/binstore/internal/transient"
)

type brokerSuite struct {
	issuer *MockCredentialIssuer
	server *s3test.Server
	target *s3storage.Storage
	clock  *testclock.Clock
	now    time.Time
}

var _ = gc.Suite(&brokerSuite{})

func (s *brokerSuite) SetUpTest(c *gc.C) {
	s.server = s3test.NewServer()
	var err error
	s.target, err = s3storage.New(s.server, s3storage.Config{Bucket: "permanent", Prefix: "repo"})
	c.Assert(err, jc.ErrorIsNil)
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.clock = testclock.NewClock(s.now)
}

func (s *brokerSuite) setupMocks(c *gc.C) *gomock.Controller {
	ctrl := gomock.NewController(c)
	s.issuer = NewMockCredentialIssuer(ctrl)
	return ctrl
}

func (s *brokerSuite) newBroker(c *gc.C, mutate ...func(*directupload.Config)) *directupload.Broker {
	cfg := directupload.Config{
		Bucket:          "transient",
		Prefix:          "uploads",
		Region:          "eu-west-1",
		RoleARN:         "arn:aws:iam::123456789012:role/upload",
		TokenDuration:   time.Hour,
		UseAcceleration: true,
		Issuer:          s.issuer,
		Client:          s.server,
		Target:          s.target,
		Store:           transient.NewMemoryStore(s.clock),
		Clock:           s.clock,
	}
	for _, f := range mutate {
		f(&cfg)
	}
	b, err := directupload.NewBroker(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return b
}

func (s *brokerSuite) credential(n int, expires time.Time) *sts.AssumeRoleOutput {
	return &sts.AssumeRoleOutput{
		Credentials: &types.Credentials{
			AccessKeyId:     aws.String(fmt.Sprintf("AKIA%d", n)),
			SecretAccessKey: aws.String(fmt.Sprintf("secret-%d", n)),
			SessionToken:    aws.String(fmt.Sprintf("token-%d", n)),
			Expiration:      aws.Time(expires),
		},
	}
}

// scopedTo matches AssumeRole inputs for the upload role whose inline
// policy is limited to the batch prefix.
type scopedTo struct{}

func (scopedTo) Matches(x any) bool {
	in, ok := x.(*sts.AssumeRoleInput)
	if !ok {
		return false
	}
	return aws.ToString(in.RoleArn) == "arn:aws:iam::123456789012:role/upload" &&
		strings.Contains(aws.ToString(in.Policy), `"s3:PutObject"`) &&
		strings.Contains(aws.ToString(in.Policy), "arn:aws:s3:::transient/uploads/") &&
		aws.ToInt32(in.DurationSeconds) == 3600
}

func (scopedTo) String() string { return "is a scoped upload role request" }

func (s *brokerSuite) newBatch(c *gc.C, b *directupload.Broker) *directupload.Batch {
	s.issuer.EXPECT().AssumeRole(gomock.Any(), scopedTo{}).Return(s.credential(1, s.now.Add(time.Hour)), nil)
	batch, err := b.NewBatch(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	return batch
}

func (s *brokerSuite) TestNewBatch(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)

	batch := s.newBatch(c, b)
	c.Check(batch.Bucket, gc.Equals, "transient")
	c.Check(batch.Prefix, gc.Equals, "uploads/"+batch.ID+"/")
	c.Check(batch.AccessKeyID, gc.Equals, "AKIA1")
	c.Check(batch.Expiration.Equal(s.now.Add(time.Hour)), jc.IsTrue)
	c.Check(batch.UseAcceleration, jc.IsTrue)
	c.Check(batch.Region, gc.Equals, "eu-west-1")

	got, err := b.GetBatch(context.Background(), batch.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.SecretAccessKey, gc.Equals, "secret-1")
	c.Check(got.Prefix, gc.Equals, batch.Prefix)
}

func (s *brokerSuite) TestGetBatchErrors(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)

	_, err := b.GetBatch(context.Background(), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
	_, err = b.GetBatch(context.Background(), "unknown")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *brokerSuite) TestBatchExpires(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c, func(cfg *directupload.Config) { cfg.BatchTTL = time.Hour })
	batch := s.newBatch(c, b)

	s.clock.Advance(2 * time.Hour)
	_, err := b.GetBatch(context.Background(), batch.ID)
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *brokerSuite) TestRefreshToken(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)

	s.issuer.EXPECT().AssumeRole(gomock.Any(), scopedTo{}).Return(s.credential(2, s.now.Add(2*time.Hour)), nil)
	refreshed, err := b.RefreshToken(context.Background(), batch.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(refreshed.Expiration.After(batch.Expiration), jc.IsTrue)
	c.Check(refreshed.SecretAccessKey, gc.Not(gc.Equals), batch.SecretAccessKey)

	got, err := b.GetBatch(context.Background(), batch.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.SessionToken, gc.Equals, "token-2")
}

func (s *brokerSuite) TestRefreshTokenNotRenewed(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)

	s.issuer.EXPECT().AssumeRole(gomock.Any(), gomock.Any()).Return(s.credential(2, s.now.Add(time.Hour)), nil)
	_, err := b.RefreshToken(context.Background(), batch.ID)
	c.Check(err, jc.ErrorIs, directupload.ErrCredentialNotRenewed)

	// The stored credential is unchanged.
	got, err := b.GetBatch(context.Background(), batch.ID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.SecretAccessKey, gc.Equals, "secret-1")
}

func (s *brokerSuite) TestRefreshTokenEmptyID(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	_, err := b.RefreshToken(context.Background(), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *brokerSuite) TestIssuerFailure(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	s.issuer.EXPECT().AssumeRole(gomock.Any(), gomock.Any()).Return(nil, errors.New("access denied"))
	_, err := b.NewBatch(context.Background())
	c.Check(err, gc.ErrorMatches, `issuing credential for batch ".*": access denied`)
}

func (s *brokerSuite) TestCompleteUpload(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)

	content := "this is a file au café"
	s.server.Put("transient", batch.Prefix+"file1", []byte(content))

	done, err := b.CompleteUpload(context.Background(), batch.ID, "file1", directupload.FileInfo{Length: 23})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(done, jc.DeepEquals, &directupload.Completed{
		Key:             "d25ea4f4642073b7f218024d397dbaef",
		Digest:          "d25ea4f4642073b7f218024d397dbaef",
		DigestAlgorithm: "MD5",
		Length:          23,
	})

	data, ok := s.server.Object("permanent", "repo/d25ea4f4642073b7f218024d397dbaef")
	c.Assert(ok, jc.IsTrue)
	c.Check(string(data), gc.Equals, content)
	_, ok = s.server.Object("transient", batch.Prefix+"file1")
	c.Check(ok, jc.IsFalse)
	c.Check(s.server.Calls("GetObject"), gc.Equals, 0)
	c.Check(s.server.Calls("CopyObject"), gc.Equals, 1)

	_, err = b.CompleteUpload(context.Background(), batch.ID, "file1", directupload.FileInfo{Length: 23})
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *brokerSuite) TestCompleteUploadNeverUploaded(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)

	_, err := b.CompleteUpload(context.Background(), batch.ID, "late", directupload.FileInfo{Length: 4})
	c.Check(err, jc.ErrorIs, errors.NotFound)

	// The failed attempt does not block a later one.
	s.server.Put("transient", batch.Prefix+"late", []byte("late"))
	_, err = b.CompleteUpload(context.Background(), batch.ID, "late", directupload.FileInfo{Length: 4})
	c.Check(err, jc.ErrorIsNil)
}

func (s *brokerSuite) TestCompleteUploadIntegrity(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)
	s.server.Put("transient", batch.Prefix+"f", []byte("12345"))

	_, err := b.CompleteUpload(context.Background(), batch.ID, "f", directupload.FileInfo{Length: 6})
	c.Check(err, jc.ErrorIs, digest.ErrIntegrityMismatch)

	_, err = b.CompleteUpload(context.Background(), batch.ID, "f", directupload.FileInfo{
		Length: 5,
		Digest: digest.SumString(digest.MD5, "54321"),
	})
	c.Check(err, jc.ErrorIs, digest.ErrIntegrityMismatch)
	c.Check(s.server.Keys("permanent"), gc.HasLen, 0)

	done, err := b.CompleteUpload(context.Background(), batch.ID, "f", directupload.FileInfo{
		Length:          5,
		Digest:          "pending",
		TemporaryDigest: true,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(done.Key, gc.Equals, digest.SumString(digest.MD5, "12345"))
	c.Check(done.Digest, gc.Equals, done.Key)
}

func (s *brokerSuite) TestCompleteUploadDeclaredAlgorithm(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)
	s.server.Put("transient", batch.Prefix+"f", []byte("12345"))

	// Named as the broker's algorithm, the digest is checked.
	_, err := b.CompleteUpload(context.Background(), batch.ID, "f", directupload.FileInfo{
		Length:          5,
		Digest:          digest.SumString(digest.MD5, "54321"),
		DigestAlgorithm: "md5",
	})
	c.Check(err, jc.ErrorIs, digest.ErrIntegrityMismatch)
	c.Check(s.server.Keys("permanent"), gc.HasLen, 0)

	done, err := b.CompleteUpload(context.Background(), batch.ID, "f", directupload.FileInfo{
		Length:          5,
		Digest:          digest.SumString(digest.MD5, "12345"),
		DigestAlgorithm: "MD5",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(done.Digest, gc.Equals, done.Key)
	c.Check(done.DigestAlgorithm, gc.Equals, "MD5")
}

func (s *brokerSuite) TestCompleteUploadKeepsForeignDigest(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)
	sha := digest.SumString(digest.SHA256, "12345")
	key := digest.SumString(digest.MD5, "12345")

	for i, info := range []directupload.FileInfo{
		{Length: 5, Digest: sha},
		{Length: 5, Digest: sha, DigestAlgorithm: "SHA-256"},
		{Length: 5, Digest: "0123", DigestAlgorithm: "CRC32"},
	} {
		c.Logf("test %d: %+v", i, info)
		clientKey := fmt.Sprintf("f%d", i)
		s.server.Put("transient", batch.Prefix+clientKey, []byte("12345"))

		done, err := b.CompleteUpload(context.Background(), batch.ID, clientKey, info)
		c.Assert(err, jc.ErrorIsNil)
		c.Check(done, jc.DeepEquals, &directupload.Completed{
			Key:             key,
			Digest:          info.Digest,
			DigestAlgorithm: info.DigestAlgorithm,
			Length:          5,
		})
	}
	data, ok := s.server.Object("permanent", "repo/"+key)
	c.Assert(ok, jc.IsTrue)
	c.Check(string(data), gc.Equals, "12345")
}

func (s *brokerSuite) TestCompleteUploadAlreadyStored(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)
	s.server.Put("transient", batch.Prefix+"first", []byte("same bytes"))
	s.server.Put("transient", batch.Prefix+"second", []byte("same bytes"))

	first, err := b.CompleteUpload(context.Background(), batch.ID, "first", directupload.FileInfo{Length: 10})
	c.Assert(err, jc.ErrorIsNil)
	second, err := b.CompleteUpload(context.Background(), batch.ID, "second", directupload.FileInfo{Length: 10})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second.Key, gc.Equals, first.Key)
	c.Check(s.server.Calls("CopyObject"), gc.Equals, 1)
	_, ok := s.server.Object("transient", batch.Prefix+"second")
	c.Check(ok, jc.IsFalse)
}

func (s *brokerSuite) TestCompleteUploadEscapedKey(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c)
	batch := s.newBatch(c, b)
	content := "un fichier nommé"
	s.server.Put("transient", batch.Prefix+"café a+b.pdf", []byte(content))

	done, err := b.CompleteUpload(context.Background(), batch.ID, "café a+b.pdf", directupload.FileInfo{Length: int64(len(content))})
	c.Assert(err, jc.ErrorIsNil)
	data, ok := s.server.Object("permanent", "repo/"+done.Key)
	c.Assert(ok, jc.IsTrue)
	c.Check(string(data), gc.Equals, content)
}

func (s *brokerSuite) TestCompleteUploadHashesWithOtherAlgorithm(c *gc.C) {
	defer s.setupMocks(c).Finish()
	b := s.newBroker(c, func(cfg *directupload.Config) { cfg.Algorithm = digest.SHA256 })
	batch := s.newBatch(c, b)
	s.server.Put("transient", batch.Prefix+"f", []byte("sha me"))

	done, err := b.CompleteUpload(context.Background(), batch.ID, "f", directupload.FileInfo{Length: 6})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(done.Key, gc.Equals, digest.SumString(digest.SHA256, "sha me"))
	c.Check(done.DigestAlgorithm, gc.Equals, "SHA-256")
	c.Check(s.server.Calls("GetObject"), gc.Equals, 1)
}

func (s *brokerSuite) TestCompleteUploadMultipartCopy(c *gc.C) {
	defer s.setupMocks(c).Finish()
	var err error
	s.target, err = s3storage.New(s.server, s3storage.Config{
		Bucket:        "permanent",
		CopyThreshold: 8,
		CopyPartSize:  8,
	})
	c.Assert(err, jc.ErrorIsNil)
	b := s.newBroker(c)
	batch := s.newBatch(c, b)

	content := strings.Repeat("z", 20)
	s.server.Put("transient", batch.Prefix+"big", []byte(content))

	done, err := b.CompleteUpload(context.Background(), batch.ID, "big", directupload.FileInfo{Length: 20})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.server.Calls("CopyObject"), gc.Equals, 0)
	c.Check(s.server.Calls("UploadPartCopy"), gc.Equals, 3)
	data, ok := s.server.Object("permanent", done.Key)
	c.Assert(ok, jc.IsTrue)
	c.Check(string(data), gc.Equals, content)
}

func (s *brokerSuite) TestConfigValidation(c *gc.C) {
	_, err := directupload.NewBroker(directupload.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}
