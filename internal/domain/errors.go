package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrInvalidState = errors.New("invalid state")
var ErrUnsupported = errors.New("unsupported operation")
