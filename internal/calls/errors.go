package calls

import "errors"

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrConflict        = errors.New("calls: conflict")
	ErrForbidden       = errors.New("calls: forbidden")
	ErrInvalidArgument = errors.New("calls: invalid argument")
)
