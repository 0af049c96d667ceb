package sim

import "errors"

var (
	// ErrMalformedMessage is returned by Decode for bodies that cannot be
	// turned into a typed message. Such messages are dropped, never retried.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidModel is returned by ModelSpec.Validate for problems that are
	// not distribution errors (those wrap dist.ErrUnsupportedDistribution or
	// dist.ErrInvalidParameters).
	ErrInvalidModel = errors.New("invalid model")
)
