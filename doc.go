// Package binstore provides a content-addressable binary store with a local
// file cache, mark-sweep garbage collection and direct upload brokering.
//
// Binaries are keyed by the digest of their content. A Manager streams
// writes into its cache while hashing, then hands the file to a
// FileStorage: the local filesystem or an S3 bucket.
//
// Basic usage (local backend):
//
//	m, _ := binstore.NewFromConfig(ctx, "default", binstore.Config{
//	    Dir: "/var/lib/binstore",
//	}, binstore.Dependencies{})
//
//	// Store content, the key is its MD5 digest
//	b := binstore.NewBlob(data, binstore.BlobInfo{MimeType: "text/plain"})
//	key, _ := m.WriteBlob(ctx, b)
//
//	// Read it back
//	blob, _ := m.ReadBlob(ctx, binstore.BlobInfo{Key: key})
//	rc, _ := blob.Open(ctx)
//
// Garbage collection:
//
//	c := m.GarbageCollector()
//	c.Start()
//	for _, key := range referenced {
//	    c.Mark(key)
//	}
//	status, _ := c.Stop(ctx, true)
//
// Managers of a process are kept in a Registry:
//
//	reg := binstore.NewRegistry(binstore.Dependencies{})
//	defer reg.Close()
//	m, _ := reg.Init(ctx, "default", cfg)
//
// Per-record blobs with commit and rollback are kept in a RecordStore:
//
//	rs, _ := binstore.OpenRecordStore(binstore.RecordStoreConfig{Name: "repo", Dir: dir})
//	tx := rs.Begin()
//	rs.WriteBlob(ctx, tx, b, "doc-1", "content")
//	err := tx.Commit(ctx) // errors.Is(err, binstore.ErrConflict) on a lost race
package binstore
