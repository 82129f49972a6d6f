package didvcr

import "errors"

// Error kinds shared by every component. Operations wrap these with
// fmt.Errorf("%w: ...") context so callers can match with errors.Is.
var (
	// ErrInvalidArgument indicates empty or malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists indicates an identifier collision on a create-once entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound indicates a reference to an unknown DID, VC, or registry.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates the caller is not the required owner,
	// issuer, or administrator.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidState indicates an operation not valid for the entity's
	// current lifecycle stage (update after revoke, deactivate twice, ...).
	ErrInvalidState = errors.New("invalid state")

	// ErrFailedPrecondition indicates a cross-entity condition does not
	// hold, e.g. issuing a credential against an inactive holder DID.
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrPaused indicates an administrative halt is in effect on the instance.
	ErrPaused = errors.New("paused")

	// ErrReentrant is returned when a mutating operation is invoked from
	// within another mutating operation on the same instance, e.g. an event
	// sink calling back into the ledger mid-commit.
	ErrReentrant = errors.New("reentrant call")
)
