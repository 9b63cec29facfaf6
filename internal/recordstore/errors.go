package recordstore

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// ErrConflict matches every *ConflictError.
const ErrConflict = errors.ConstError("concurrent update")

// ConflictError reports a key another transaction staged or committed
// first.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update of %q", e.Key)
}

// Is makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// CommitError collects the per-key failures of a commit. Keys not listed
// were committed.
type CommitError struct {
	Errors []error
}

func (e *CommitError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return "commit: " + strings.Join(msgs, "; ")
}

func (e *CommitError) Unwrap() []error {
	return e.Errors
}
