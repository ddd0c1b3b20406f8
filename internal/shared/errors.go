package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrOrgScopeMissing indicates the request carried no tenant scope.
	ErrOrgScopeMissing = errors.New("organization scope missing")
)
