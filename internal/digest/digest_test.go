package digest

import (
	"strings"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type digestSuite struct{}

var _ = gc.Suite(&digestSuite{})

func (s *digestSuite) TestParseAlgorithm(c *gc.C) {
	for name, expected := range map[string]Algorithm{
		"":        MD5,
		"MD5":     MD5,
		"md5":     MD5,
		"SHA-1":   SHA1,
		"sha1":    SHA1,
		"SHA-256": SHA256,
		"sha256":  SHA256,
	} {
		alg, err := ParseAlgorithm(name)
		c.Assert(err, jc.ErrorIsNil, gc.Commentf("name %q", name))
		c.Check(alg, gc.Equals, expected)
	}

	_, err := ParseAlgorithm("crc32")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *digestSuite) TestSumUTF8(c *gc.C) {
	d, n, err := Sum(MD5, strings.NewReader("this is a file au café"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(d, gc.Equals, "d25ea4f4642073b7f218024d397dbaef")
	c.Check(n, gc.Equals, int64(len("this is a file au café")))
}

func (s *digestSuite) TestSHA256(c *gc.C) {
	c.Check(SumString(SHA256, ""), gc.Equals, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	c.Check(SumString(MD5, ""), gc.Equals, "d41d8cd98f00b204e9800998ecf8427e")
}

func (s *digestSuite) TestIsValid(c *gc.C) {
	c.Check(MD5.IsValid("d41d8cd98f00b204e9800998ecf8427e"), jc.IsTrue)
	c.Check(MD5.IsValid("D41D8CD98F00B204E9800998ECF8427E"), jc.IsFalse)
	c.Check(MD5.IsValid("d41d8cd98f00b204e9800998ecf8427"), jc.IsFalse)
	c.Check(MD5.IsValid("not-a-digest-at-all-but-32-chars"), jc.IsFalse)
	c.Check(SHA256.IsValid("d41d8cd98f00b204e9800998ecf8427e"), jc.IsFalse)
	c.Check(SHA1.HexLen(), gc.Equals, 40)
}

func (s *digestSuite) TestWriterIncremental(c *gc.C) {
	w := NewWriter(MD5)
	_, _ = w.Write([]byte("this is a file "))
	_, _ = w.Write([]byte("au café"))
	c.Check(w.Digest(), gc.Equals, "d25ea4f4642073b7f218024d397dbaef")
	c.Check(w.Algorithm(), gc.Equals, MD5)
	c.Check(w.Count(), gc.Equals, int64(23))
}
