package model

import (
	"errors"
)

var (
	ErrUnknownStatus   = errors.New("unknown audit status")
	ErrUnknownSeverity = errors.New("unknown severity")
	ErrISOFormat       = errors.New("invalid ISO8601 duration")
)
