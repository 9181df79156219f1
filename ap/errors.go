package ap

import "github.com/pkg/errors"

var (
	// ErrObjectMustBeComplex rejects activities whose object arrived as a
	// bare id where an embedded object is required (Create, Update).
	ErrObjectMustBeComplex = errors.New("activity object must be an embedded object")

	// ErrObjectMustExist rejects activities referencing an object this
	// node does not hold and cannot obtain.
	ErrObjectMustExist = errors.New("referenced object does not exist")

	// ErrActorMismatch rejects activities whose actor does not own the
	// object they try to create or modify.
	ErrActorMismatch = errors.New("activity actor does not own the object")
)
