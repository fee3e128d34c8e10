package registry

import "errors"

// Sentinel errors for Registry and namespace-group operations.
var (
	// ErrGroupExists indicates a namespace_group name collision (§4.C).
	ErrGroupExists = errors.New("namespace group already exists")

	// ErrNotFound indicates a lookup found no matching procedure.
	ErrNotFound = errors.New("procedure not found")
)
