package binstore

import (
	"context"
	"io"
	"io/fs"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/aweris/binstore/internal/blob"
	"github.com/aweris/binstore/internal/cache"
	"github.com/aweris/binstore/internal/collector"
	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/directupload"
	"github.com/aweris/binstore/internal/metrics"
	"github.com/aweris/binstore/internal/storage"
)

var logger = loggo.GetLogger("binstore")

// Manager stores binaries by digest in a FileStorage, keeping recently
// used content in a local file cache.
type Manager struct {
	name      string
	storage   FileStorage
	cache     *cache.Cache
	algorithm digest.Algorithm
	metrics   *metrics.Metrics
	collector *collector.Collector
	broker    *directupload.Broker
	closers   []func() error
}

// NewManager returns a manager named name over fileStorage.
func NewManager(name string, fileStorage FileStorage, opts ...Option) (*Manager, error) {
	if fileStorage == nil {
		return nil, errors.NotValidf("missing file storage")
	}
	options := defaultOptions(name)
	for _, opt := range opts {
		opt(options)
	}

	c, err := cache.New(expandPath(options.CacheDir), options.CacheMaxSize, options.Metrics)
	if err != nil {
		return nil, errors.Annotatef(err, "opening cache for %s", name)
	}
	m := &Manager{
		name:      name,
		storage:   fileStorage,
		cache:     c,
		algorithm: options.Algorithm,
		metrics:   options.Metrics,
		broker:    options.Broker,
		closers:   options.closers,
	}
	m.collector, err = collector.New(collector.Config{
		ID:          name,
		Store:       gcStore{m},
		Clock:       options.Clock,
		GracePeriod: options.GCGracePeriod,
		IsValidKey:  m.algorithm.IsValid,
		Metrics:     options.Metrics,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

// Algorithm returns the algorithm keys are computed with.
func (m *Manager) Algorithm() digest.Algorithm { return m.algorithm }

// WriteBlob stores the content of b and returns its key, the digest of
// the content. A missing or temporary digest on b is replaced by the key.
// The storage write is skipped when the cache already holds the key.
func (m *Manager) WriteBlob(ctx context.Context, b *Blob) (string, error) {
	rc, err := b.Open(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer rc.Close()

	key, n, err := m.write(ctx, rc)
	if err != nil {
		return "", errors.Trace(err)
	}
	b.FixDigest(key, m.algorithm.String())
	b.Length = n
	return key, nil
}

// Store stores the content of r and returns its binary.
func (m *Manager) Store(ctx context.Context, r io.Reader) (*Binary, error) {
	key, n, err := m.write(ctx, r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m.binary(key, n), nil
}

func (m *Manager) write(ctx context.Context, r io.Reader) (string, int64, error) {
	f, err := m.cache.TempFile()
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	tmp := f.Name()
	hw := digest.NewWriter(m.algorithm)
	_, err = io.Copy(io.MultiWriter(f, hw), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, errors.Annotate(err, "writing to cache")
	}
	key, n := hw.Digest(), hw.Count()

	if m.cache.Contains(key) {
		os.Remove(tmp)
		logger.Debugf("%s: %s already cached, storage write skipped", m.name, key)
		return key, n, nil
	}
	if err := m.storage.StoreFile(ctx, key, tmp); err != nil {
		os.Remove(tmp)
		return "", 0, errors.Annotatef(err, "storing %s", key)
	}
	m.metrics.StorageWrite(backendName(m.storage))
	if _, err := m.cache.Put(key, tmp); err != nil {
		// Stored already; the content is refetched on demand.
		logger.Warningf("%s: caching %s: %v", m.name, key, err)
	}
	logger.Debugf("%s: stored %s (%d bytes)", m.name, key, n)
	return key, n, nil
}

// GetBinary returns the binary for key. It fails with NotFound when
// neither the cache nor the storage holds it.
func (m *Manager) GetBinary(ctx context.Context, key string) (*Binary, error) {
	if !m.algorithm.IsValid(key) {
		return nil, errors.NotValidf("binary key %q", key)
	}
	if path, ok := m.cache.Get(key); ok {
		if fi, err := os.Stat(path); err == nil {
			return m.binary(key, fi.Size()), nil
		}
	}
	ok, err := m.storage.Exists(ctx, key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		return nil, errors.NotFoundf("binary %s", key)
	}
	return m.binary(key, -1), nil
}

// ReadBlob returns a blob reading the binary named by info.Key. The
// digest, algorithm and length of the binary fill the ones info lacks.
func (m *Manager) ReadBlob(ctx context.Context, info BlobInfo) (*Blob, error) {
	bin, err := m.GetBinary(ctx, info.Key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if info.Digest == "" {
		info.Digest = bin.Digest()
		info.DigestAlgorithm = bin.Algorithm().String()
	}
	if info.Length <= 0 && bin.length >= 0 {
		info.Length = bin.length
	}
	return blob.New(info, bin.Open), nil
}

// DeleteBlob does nothing: other records may share the content. Unused
// binaries are reclaimed by the garbage collector.
func (m *Manager) DeleteBlob(_ context.Context, key string) error {
	logger.Debugf("%s: delete of %s deferred to garbage collection", m.name, key)
	return nil
}

// CopyBlob copies the binary key of src into m and returns its key in m.
// Content is rehashed when the two managers use different algorithms.
func (m *Manager) CopyBlob(ctx context.Context, src *Manager, key string) (string, error) {
	if src == m {
		return key, nil
	}
	if src.algorithm == m.algorithm {
		if m.cache.Contains(key) {
			return key, nil
		}
		ok, err := m.storage.Exists(ctx, key)
		if err != nil {
			return "", errors.Trace(err)
		}
		if ok {
			return key, nil
		}
	}
	bin, err := src.GetBinary(ctx, key)
	if err != nil {
		return "", errors.Trace(err)
	}
	rc, err := bin.Open(ctx)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer rc.Close()
	newKey, _, err := m.write(ctx, rc)
	if err != nil {
		return "", errors.Annotatef(err, "copying %s from %s", key, src.name)
	}
	return newKey, nil
}

// GarbageCollector returns the collector sweeping this manager's storage.
// Deleted keys are evicted from the cache as well.
func (m *Manager) GarbageCollector() *collector.Collector {
	return m.collector
}

// DirectUpload returns the direct upload broker, or NotSupported when the
// manager has none.
func (m *Manager) DirectUpload() (*directupload.Broker, error) {
	if m.broker == nil {
		return nil, errors.NotSupportedf("direct upload for %s", m.name)
	}
	return m.broker, nil
}

// Close releases resources attached to the manager.
func (m *Manager) Close() error {
	var first error
	for _, fn := range m.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	m.closers = nil
	return errors.Trace(first)
}

func (m *Manager) binary(key string, length int64) *Binary {
	return &Binary{digest: key, algorithm: m.algorithm, length: length, m: m}
}

// fetch fills dest from storage on a cache miss.
func (m *Manager) fetch(ctx context.Context, key, dest string) error {
	return m.storage.FetchFile(ctx, key, dest)
}

// gcStore runs the collector over the manager's storage.
type gcStore struct {
	m *Manager
}

func (s gcStore) List(ctx context.Context, fn func(storage.ObjectInfo) error) error {
	return s.m.storage.List(ctx, fn)
}

func (s gcStore) Delete(ctx context.Context, key string) error {
	if err := s.m.storage.Delete(ctx, key); err != nil {
		return errors.Trace(err)
	}
	s.m.cache.Remove(key)
	return nil
}

func backendName(s FileStorage) string {
	if b, ok := s.(interface{ Backend() string }); ok {
		return b.Backend()
	}
	return "unknown"
}

// Binary is a stored binary. Its content is resolved through the cache
// each time it is opened, so it survives eviction.
type Binary struct {
	digest    string
	algorithm digest.Algorithm
	length    int64
	m         *Manager
}

// Digest returns the binary's key.
func (b *Binary) Digest() string { return b.digest }

// Algorithm returns the algorithm of Digest.
func (b *Binary) Algorithm() digest.Algorithm { return b.algorithm }

// Path returns a local file holding the content, fetching it into the
// cache if needed. The file may be evicted once the call returns.
func (b *Binary) Path(ctx context.Context) (string, error) {
	path, err := b.m.cache.GetOrFetch(ctx, b.digest, b.m.fetch)
	return path, errors.Trace(err)
}

// Open returns a reader over the content. A file evicted between the
// cache lookup and the open is fetched again.
func (b *Binary) Open(ctx context.Context) (io.ReadCloser, error) {
	for attempt := 0; ; attempt++ {
		path, err := b.Path(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, errors.Trace(err)
		}
		return f, nil
	}
}

// Length returns the content length, fetching the content when it is not
// known yet.
func (b *Binary) Length(ctx context.Context) (int64, error) {
	if b.length >= 0 {
		return b.length, nil
	}
	path, err := b.Path(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return fi.Size(), nil
}
