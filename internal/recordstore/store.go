// Package recordstore stores one blob per record id, with writes staged
// in a transaction and applied at commit.
//
// Concurrency is optimistic per key. The first transaction to stage a
// mutation of a key claims it; another transaction staging the same key
// before the claim is released gets a *ConflictError, as does one staging
// a key committed after it began. Commit compares each key's version
// with the one seen at staging and increments it.
package recordstore

import (
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/aweris/binstore/internal/blob"
	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/metrics"
)

var logger = loggo.GetLogger("binstore.recordstore")

// ContentSubpath is the only location a record blob can be written to.
const ContentSubpath = "content"

// Config configures a Store.
type Config struct {
	// Name identifies the store in errors and logs.
	Name      string
	Dir       string
	Algorithm digest.Algorithm
	Metrics   *metrics.Metrics
}

type keyState struct {
	version     uint64
	committedAt uint64
	owner       *Tx
}

// Store is a transactional per-record blob store. Files live in
// Dir/storage, staged content in Dir/tmp.
type Store struct {
	name       string
	storageDir string
	tmpDir     string
	algorithm  digest.Algorithm
	metrics    *metrics.Metrics

	mu   sync.Mutex
	seq  uint64
	keys map[string]*keyState
}

// Open creates the directories under cfg.Dir and removes staged files
// left by a previous process.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.NotValidf("missing directory")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = digest.Default
	}
	s := &Store{
		name:       cfg.Name,
		storageDir: filepath.Join(cfg.Dir, "storage"),
		tmpDir:     filepath.Join(cfg.Dir, "tmp"),
		algorithm:  cfg.Algorithm,
		metrics:    cfg.Metrics,
		keys:       make(map[string]*keyState),
	}
	for _, dir := range []string{s.storageDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Trace(err)
		}
	}
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err != nil {
			logger.Warningf("%s: removing stale staged file %s: %v", s.name, e.Name(), err)
		}
	}
	return s, nil
}

// Begin starts a transaction. It sees the store as committed at this
// point plus its own staged changes.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Tx{
		id:       uuid.NewString(),
		store:    s,
		snapshot: s.seq,
		staged:   make(map[string]*staged),
		claimed:  make(map[string]struct{}),
	}
}

// Version returns the number of commits applied to id.
func (s *Store) Version(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.keys[id]; ok {
		return ks.version
	}
	return 0
}

func (s *Store) validate(id, subpath string) error {
	if id == "" {
		return errors.NotValidf("missing id")
	}
	if id == "." || id == ".." {
		return errors.NotValidf("id %q", id)
	}
	if subpath != ContentSubpath {
		return errors.NotSupportedf("storing blob at %q in record store %s", subpath, s.name)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.storageDir, url.PathEscape(id))
}

// claim makes tx the owner of id and returns the version it expects to
// advance at commit.
func (s *Store) claim(tx *Tx, id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.claimed == nil {
		return 0, errors.NotValidf("transaction %s already finished", tx.id)
	}
	ks, ok := s.keys[id]
	if !ok {
		ks = &keyState{}
		s.keys[id] = ks
	}
	if ks.owner != nil && ks.owner != tx {
		return 0, &ConflictError{Key: id}
	}
	if ks.committedAt > tx.snapshot {
		return 0, &ConflictError{Key: id}
	}
	ks.owner = tx
	tx.claimed[id] = struct{}{}
	return ks.version, nil
}

// autocommit runs fn in tx, or in a transaction of its own when tx is nil.
func (s *Store) autocommit(ctx context.Context, tx *Tx, fn func(*Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	tx = s.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit(ctx))
}

// WriteBlob stages b as the content of record id and returns the storage
// key, which is id. A missing or temporary digest on b is replaced with
// the computed one. With a nil tx the write is committed immediately.
func (s *Store) WriteBlob(ctx context.Context, tx *Tx, b *blob.Blob, id, subpath string) (string, error) {
	if err := s.validate(id, subpath); err != nil {
		return "", errors.Trace(err)
	}
	err := s.autocommit(ctx, tx, func(tx *Tx) error {
		return tx.write(ctx, b, id)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// DeleteBlob stages the removal of record id.
func (s *Store) DeleteBlob(ctx context.Context, tx *Tx, id, subpath string) error {
	if err := s.validate(id, subpath); err != nil {
		return errors.Trace(err)
	}
	return s.autocommit(ctx, tx, func(tx *Tx) error {
		return tx.remove(id)
	})
}

// ReadBlob returns the record named by info.Key: the entry staged in tx
// when there is one, else the last committed file.
func (s *Store) ReadBlob(ctx context.Context, tx *Tx, info blob.Info) (*blob.Blob, error) {
	id := info.Key
	if id == "" {
		return nil, errors.NotValidf("missing id")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	if tx != nil {
		if st, ok := tx.lookup(id); ok {
			if st.tombstone {
				return nil, errors.NotFoundf("nonexistent file for key: %s", id)
			}
			return blob.FromFile(st.path, st.info), nil
		}
	}

	path := s.path(id)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NotFoundf("nonexistent file for key: %s", id)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	info.Length = fi.Size()
	return blob.FromFile(path, info), nil
}

type staged struct {
	path      string
	tombstone bool
	info      blob.Info
	expected  uint64
}

// Tx is a record store transaction. It is finished by exactly one of
// Commit or Rollback; Rollback after Commit does nothing.
type Tx struct {
	id       string
	store    *Store
	snapshot uint64

	// claimed is guarded by store.mu.
	claimed map[string]struct{}

	mu     sync.Mutex
	staged map[string]*staged
	done   bool
}

// ID returns the transaction id.
func (tx *Tx) ID() string { return tx.id }

func (tx *Tx) lookup(id string) (*staged, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	st, ok := tx.staged[id]
	return st, ok
}

// stage replaces the staged entry for id, discarding any previous temp
// file.
func (tx *Tx) stage(id string, st *staged) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		if st.path != "" {
			os.Remove(st.path)
		}
		return errors.NotValidf("transaction %s already finished", tx.id)
	}
	if prev, ok := tx.staged[id]; ok && prev.path != "" {
		os.Remove(prev.path)
	}
	tx.staged[id] = st
	return nil
}

func (tx *Tx) write(ctx context.Context, b *blob.Blob, id string) error {
	if err := tx.checkOpen(); err != nil {
		return errors.Trace(err)
	}
	s := tx.store
	expected, err := s.claim(tx, id)
	if err != nil {
		return errors.Trace(err)
	}

	rc, err := b.Open(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(s.tmpDir, tx.id+"-*")
	if err != nil {
		return errors.Trace(err)
	}
	hw := digest.NewWriter(s.algorithm)
	_, err = io.Copy(io.MultiWriter(f, hw), rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return errors.Annotatef(err, "staging %q", id)
	}

	b.FixDigest(hw.Digest(), s.algorithm.String())
	b.Length = hw.Count()
	info := b.Info
	info.Key = id
	return errors.Trace(tx.stage(id, &staged{path: f.Name(), info: info, expected: expected}))
}

func (tx *Tx) remove(id string) error {
	if err := tx.checkOpen(); err != nil {
		return errors.Trace(err)
	}
	expected, err := tx.store.claim(tx, id)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tx.stage(id, &staged{tombstone: true, expected: expected}))
}

func (tx *Tx) checkOpen() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return errors.NotValidf("transaction %s already finished", tx.id)
	}
	return nil
}

// finish marks tx done and hands back its staged entries.
func (tx *Tx) finish() (map[string]*staged, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, errors.NotValidf("transaction %s already finished", tx.id)
	}
	tx.done = true
	st := tx.staged
	tx.staged = nil
	return st, nil
}

// Commit applies staged entries in key order. Each key is committed only
// if tx still owns it and its version is the one seen at staging; a key
// failing that check yields a *ConflictError while the other keys are
// still applied. Failures are returned together as a *CommitError.
func (tx *Tx) Commit(ctx context.Context) error {
	entries, err := tx.finish()
	if err != nil {
		return errors.Trace(err)
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []error
	for _, id := range ids {
		st := entries[id]
		ks := s.keys[id]
		if ks == nil || ks.owner != tx || ks.version != st.expected {
			if st.path != "" {
				os.Remove(st.path)
			}
			s.metrics.RecordCommit(true)
			failed = append(failed, &ConflictError{Key: id})
			continue
		}

		if err := s.apply(id, st); err != nil {
			failed = append(failed, errors.Annotatef(err, "committing %q", id))
			continue
		}
		s.seq++
		ks.version++
		ks.committedAt = s.seq
		s.metrics.RecordCommit(false)
	}
	s.releaseLocked(tx)
	logger.Debugf("%s: committed transaction %s, %d keys, %d failed", s.name, tx.id, len(ids), len(failed))

	switch len(failed) {
	case 0:
		return nil
	case 1:
		return failed[0]
	}
	return &CommitError{Errors: failed}
}

// apply makes a staged entry permanent. The caller must hold s.mu.
func (s *Store) apply(id string, st *staged) error {
	path := s.path(id)
	if st.tombstone {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Trace(err)
		}
		return nil
	}
	if err := os.Rename(st.path, path); err != nil {
		os.Remove(st.path)
		return errors.Trace(err)
	}
	return nil
}

// Rollback discards everything staged in tx and releases its keys.
func (tx *Tx) Rollback() {
	entries, err := tx.finish()
	if err != nil {
		return
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range entries {
		if st.path != "" {
			if err := os.Remove(st.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				logger.Warningf("%s: removing staged file for %q: %v", s.name, id, err)
			}
		}
	}
	s.releaseLocked(tx)
}

// releaseLocked drops every claim held by tx, including claims whose
// staging failed. The caller must hold s.mu.
func (s *Store) releaseLocked(tx *Tx) {
	for id := range tx.claimed {
		if ks, ok := s.keys[id]; ok && ks.owner == tx {
			ks.owner = nil
		}
	}
	tx.claimed = nil
}
