package internal

import "errors"

var ErrDuplicateDestination = errors.New("destination already generated")
var ErrMissingDestination = errors.New("missing destination")
var ErrInvalidURL = errors.New("invalid destination url")
