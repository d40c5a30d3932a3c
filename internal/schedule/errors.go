package schedule

import "errors"

var (
	ErrMalformedToken  = errors.New("malformed offset token")
	ErrMalformedLine   = errors.New("malformed blockage line")
	ErrUnrepresentable = errors.New("instant not representable as offset token")
	ErrInvalidAnchor   = errors.New("invalid reference anchor")
)
