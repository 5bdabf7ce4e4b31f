package service

import "errors"

// ErrNotFound is returned when a service id has no definition.
var ErrNotFound = errors.New("service not found")
