package binstore

import (
	"github.com/aweris/binstore/internal/blob"
	"github.com/aweris/binstore/internal/collector"
	"github.com/aweris/binstore/internal/recordstore"
	"github.com/aweris/binstore/internal/storage"
)

// Blob is content plus its declared metadata.
// Re-exported from internal/blob for convenience.
type Blob = blob.Blob

// BlobInfo is the metadata carried by a Blob.
type BlobInfo = blob.Info

// FileStorage is the backend a Manager stores whole files into.
// Re-exported from internal/storage for convenience.
type FileStorage = storage.FileStorage

// GCStatus summarises a garbage collection.
type GCStatus = collector.Status

// NewBlob returns a blob reading from data.
func NewBlob(data []byte, info BlobInfo) *Blob {
	return blob.FromBytes(data, info)
}

// RecordStore is a transactional per-record blob store.
// Re-exported from internal/recordstore for convenience.
type RecordStore = recordstore.Store

// RecordTx is a RecordStore transaction.
type RecordTx = recordstore.Tx

// RecordStoreConfig configures OpenRecordStore.
type RecordStoreConfig = recordstore.Config

// OpenRecordStore opens the record store under cfg.Dir.
func OpenRecordStore(cfg RecordStoreConfig) (*RecordStore, error) {
	return recordstore.Open(cfg)
}

// NewFileBlob returns a blob reading the file at path.
func NewFileBlob(path string, info BlobInfo) *Blob {
	return blob.FromFile(path, info)
}
