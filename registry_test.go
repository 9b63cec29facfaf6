package binstore_test

import (
	"context"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/aweris/binstore"
	"github.com/aweris/binstore/internal/s3storage/s3test"
)

type registrySuite struct {
	registry *binstore.Registry
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.registry = binstore.NewRegistry(binstore.Dependencies{
		S3Client: s3test.NewServer(),
		Issuer:   staticIssuer{},
	})
}

func (s *registrySuite) TearDownTest(c *gc.C) {
	c.Check(s.registry.Close(), jc.ErrorIsNil)
}

func (s *registrySuite) localConfig(c *gc.C) binstore.Config {
	return binstore.Config{Backend: "local", Dir: c.MkDir()}
}

func (s *registrySuite) TestInitAndGet(c *gc.C) {
	ctx := context.Background()
	m, err := s.registry.Init(ctx, "default", s.localConfig(c))
	c.Assert(err, jc.ErrorIsNil)

	got, err := s.registry.Get("default")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, m)

	_, err = s.registry.Get("other")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *registrySuite) TestInitTwice(c *gc.C) {
	ctx := context.Background()
	_, err := s.registry.Init(ctx, "default", s.localConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.registry.Init(ctx, "default", s.localConfig(c))
	c.Check(err, jc.ErrorIs, errors.AlreadyExists)

	_, err = s.registry.Init(ctx, "", s.localConfig(c))
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *registrySuite) TestInitFailureRegistersNothing(c *gc.C) {
	_, err := s.registry.Init(context.Background(), "broken", binstore.Config{Backend: "ftp"})
	c.Check(err, gc.ErrorMatches, `initializing manager "broken": backend "ftp" not supported`)
	c.Check(s.registry.Names(), gc.HasLen, 0)
}

func (s *registrySuite) TestRegister(c *gc.C) {
	m, err := binstore.NewFromConfig(context.Background(), "manual", s.localConfig(c), binstore.Dependencies{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.registry.Register(m), jc.ErrorIsNil)
	c.Check(s.registry.Register(m), jc.ErrorIs, errors.AlreadyExists)
}

func (s *registrySuite) TestNamesAndClose(c *gc.C) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	c.Assert(err, jc.ErrorIsNil)
	defer mr.Close()

	for _, name := range []string{"b", "a"} {
		_, err := s.registry.Init(ctx, name, s.localConfig(c))
		c.Assert(err, jc.ErrorIsNil)
	}
	cloud := binstore.Config{
		Backend:  "s3",
		CacheDir: c.MkDir(),
		S3:       binstore.S3Config{Bucket: "permanent"},
		DirectUpload: binstore.DirectUploadConfig{
			Bucket:    "transient",
			RoleARN:   "arn:aws:iam::123456789012:role/upload",
			RedisAddr: mr.Addr(),
		},
	}
	_, err = s.registry.Init(ctx, "cloud", cloud)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.registry.Names(), jc.DeepEquals, []string{"a", "b", "cloud"})

	c.Assert(s.registry.Close(), jc.ErrorIsNil)
	c.Check(s.registry.Names(), gc.HasLen, 0)
	_, err = s.registry.Get("a")
	c.Check(err, jc.ErrorIs, errors.NotFound)
}
