package s3storage

import (
	"context"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// ErrBackendUnavailable is returned when the object store cannot be
// reached after the SDK exhausted its retries.
const ErrBackendUnavailable = errors.ConstError("object store unavailable")

// IsNotFound reports whether err is an S3 missing-object error.
func IsNotFound(err error) bool {
	var (
		noSuchKey *types.NoSuchKey
		notFound  *types.NotFound
		respErr   *awshttp.ResponseError
		apiErr    smithy.APIError
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return true
	case errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound:
		return true
	case errors.As(err, &apiErr):
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// mapError converts an SDK error for the given operation and key into the
// store's error kinds.
func mapError(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return errors.NotFoundf("object %s", key)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Trace(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return errors.Annotatef(err, "%s %s", op, key)
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, ErrBackendUnavailable, err)
}
