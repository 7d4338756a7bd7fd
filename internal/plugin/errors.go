package plugin

import "errors"

var (
	ErrUnknownUnit   = errors.New("unknown unit")
	ErrAlreadyActive = errors.New("unit already active")
	ErrNotActive     = errors.New("unit not active")
)
