package binstore

import (
	"github.com/aweris/binstore/internal/collector"
	"github.com/aweris/binstore/internal/digest"
	"github.com/aweris/binstore/internal/directupload"
	"github.com/aweris/binstore/internal/recordstore"
	"github.com/aweris/binstore/internal/s3storage"
)

// Sentinel errors, re-exported for callers outside the module. Test with
// errors.Is. Missing keys and invalid arguments use the juju/errors
// NotFound, NotValid and NotSupported kinds.
const (
	ErrConflict             = recordstore.ErrConflict
	ErrIntegrityMismatch    = digest.ErrIntegrityMismatch
	ErrBackendUnavailable   = s3storage.ErrBackendUnavailable
	ErrGCInProgress         = collector.ErrInProgress
	ErrCredentialNotRenewed = directupload.ErrCredentialNotRenewed
)

// ConflictError names the record key a transaction lost.
type ConflictError = recordstore.ConflictError
