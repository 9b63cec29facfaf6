package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/aweris/binstore/internal/compression"
	"github.com/aweris/binstore/internal/digest"
)

var logger = loggo.GetLogger("binstore.storage")

// LocalStore implements FileStorage on the local filesystem.
//
// Storage layout:
//
//	basePath/
//	  objects/
//	    ab/cd123...  (content-addressed objects)
//	  tmp/
//	    upload-*     (in-flight writes)
//
// Objects are written once. A write is streamed into tmp/ and then hard
// linked into its slot, so a reader never sees a partial object.
type LocalStore struct {
	basePath   string
	algorithm  digest.Algorithm
	compressor *compression.Compressor
}

// NewLocalStore creates the layout under basePath. A nil compressor stores
// objects raw.
func NewLocalStore(basePath string, algorithm digest.Algorithm, compressor *compression.Compressor) (*LocalStore, error) {
	for _, dir := range []string{"objects", "tmp"} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, errors.Annotatef(err, "creating directory %s", dir)
		}
	}
	return &LocalStore{
		basePath:   basePath,
		algorithm:  algorithm,
		compressor: compressor,
	}, nil
}

// Backend names the storage kind.
func (s *LocalStore) Backend() string { return "local" }

// Store streams r into the store and returns its digest and length.
func (s *LocalStore) Store(ctx context.Context, r io.Reader) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, errors.Trace(err)
	}
	hw := digest.NewWriter(s.algorithm)
	tmp, err := s.writeTemp(io.TeeReader(r, hw))
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	key := hw.Digest()
	if err := s.promote(tmp, key); err != nil {
		return "", 0, errors.Trace(err)
	}
	return key, hw.Count(), nil
}

// Fetch opens the object for key.
func (s *LocalStore) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	path, err := s.objectPath(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NotFoundf("object %s", key)
	} else if err != nil {
		return nil, errors.Annotatef(err, "opening object %s", key)
	}
	return compression.NewReader(f)
}

// Remove deletes the object for key. Removing a missing object succeeds.
func (s *LocalStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	path, err := s.objectPath(key)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Annotatef(err, "removing object %s", key)
	}
	logger.Debugf("removed object %s", key)
	return nil
}

// StoreFile stores the file at path under key.
func (s *LocalStore) StoreFile(ctx context.Context, key, path string) error {
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.objectPath(key); err != nil {
		return errors.Trace(err)
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Annotatef(err, "opening %s", path)
	}
	defer f.Close()

	tmp, err := s.writeTemp(f)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.promote(tmp, key))
}

// FetchFile writes the decoded object for key to dest.
func (s *LocalStore) FetchFile(ctx context.Context, key, dest string) (err error) {
	rc, err := s.Fetch(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = errors.Trace(cerr)
		}
	}()
	_, err = io.Copy(out, rc)
	return errors.Annotatef(err, "copying object %s", key)
}

// Exists reports whether key is stored.
func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return false, errors.Trace(err)
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Trace(err)
}

// Delete is Remove.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	return s.Remove(ctx, key)
}

// List walks the shard directories. Sizes are the on-disk sizes.
func (s *LocalStore) List(ctx context.Context, fn func(ObjectInfo) error) error {
	objectsDir := filepath.Join(s.basePath, "objects")
	shards, err := os.ReadDir(objectsDir)
	if err != nil {
		return errors.Annotate(err, "reading objects directory")
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(objectsDir, shard.Name()))
		if err != nil {
			return errors.Annotatef(err, "reading shard %s", shard.Name())
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return errors.Trace(err)
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if errors.Is(err, fs.ErrNotExist) {
				// Removed since the directory was read.
				continue
			} else if err != nil {
				return errors.Trace(err)
			}
			if err := fn(ObjectInfo{
				Key:     shard.Name() + entry.Name(),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			}); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// writeTemp copies r, compressed when enabled, into a new temp file and
// returns its path.
func (s *LocalStore) writeTemp(r io.Reader) (string, error) {
	f, err := os.CreateTemp(filepath.Join(s.basePath, "tmp"), "upload-*")
	if err != nil {
		return "", errors.Annotate(err, "creating temp file")
	}
	tmp := f.Name()
	fail := func(err error) (string, error) {
		f.Close()
		os.Remove(tmp)
		return "", err
	}

	w, err := s.compressor.NewWriter(f)
	if err != nil {
		return fail(errors.Trace(err))
	}
	if _, err := io.Copy(w, r); err != nil {
		return fail(errors.Annotate(err, "writing temp file"))
	}
	if err := w.Close(); err != nil {
		return fail(errors.Annotate(err, "flushing temp file"))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", errors.Annotate(err, "closing temp file")
	}
	return tmp, nil
}

// promote links tmp into the slot for key and removes tmp. When the slot
// is already taken the existing object wins and its mtime is refreshed.
func (s *LocalStore) promote(tmp, key string) error {
	defer os.Remove(tmp)

	path, err := s.objectPath(key)
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Annotate(err, "creating shard directory")
	}
	err = os.Link(tmp, path)
	if err == nil {
		logger.Debugf("stored object %s", key)
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return errors.Annotatef(err, "promoting object %s", key)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		logger.Warningf("refreshing mtime of %s: %v", key, err)
	}
	logger.Debugf("object %s already stored", key)
	return nil
}

// objectPath returns the filesystem path for key.
// Git-style sharding: objects/ab/cd123...
func (s *LocalStore) objectPath(key string) (string, error) {
	if len(key) < 3 || strings.ContainsAny(key, `/\.`) {
		return "", errors.NotValidf("object key %q", key)
	}
	return filepath.Join(s.basePath, "objects", key[:2], key[2:]), nil
}
