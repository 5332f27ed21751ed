package triage

import "github.com/linnemanlabs/go-core/xerrors"

// Error kinds returned by the service. Callers match them with errors.Is;
// the wrapped message carries the precise reason.
var (
	ErrValidation = xerrors.New("validation failed")
	ErrNotFound   = xerrors.New("not found")
	ErrConflict   = xerrors.New("conflict")
	ErrForbidden  = xerrors.New("forbidden")
)
