// Provides common anvil error definitions.
package anvil_errors

import "errors"

var (
	// ErrValidation means the value was malformed before any I/O happened.
	ErrValidation = errors.New("anvil: invalid value")

	ErrAlreadyExists = errors.New("anvil: object already exists")
	ErrNotFound      = errors.New("anvil: object not found")

	// ErrConflict is a CAS version mismatch. The caller may re-read the
	// current version and retry.
	ErrConflict = errors.New("anvil: version conflict")

	// ErrUniqueViolation means a write would put a duplicate value into a
	// unique index. Never retried.
	ErrUniqueViolation = errors.New("anvil: unique index constraint violation")

	ErrMalformedSelector = errors.New("anvil: malformed selector")

	ErrStorageUnavailable = errors.New("anvil: storage unavailable")
	ErrSearchUnavailable  = errors.New("anvil: search unavailable")

	ErrEncodingFailure = errors.New("anvil: cannot encode value")
	ErrDecodingFailure = errors.New("anvil: cannot decode stored value")

	// ErrLagged terminates a watch stream whose subscriber fell behind the
	// bounded buffer. The subscriber must re-list and re-watch.
	ErrLagged = errors.New("anvil: watch subscriber lagged")

	// ErrDirtyKind means the kind's indices lost coherence with the store.
	// Writes are refused until a rebuild completes.
	ErrDirtyKind = errors.New("anvil: kind indices are dirty, rebuild required")

	ErrClosed = errors.New("anvil: store is closed")
)
