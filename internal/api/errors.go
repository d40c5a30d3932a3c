package api

import "errors"

var (
	ErrNotFound    = errors.New("resource not found")
	ErrRateLimited = errors.New("rate limited by API")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrRejected    = errors.New("request rejected by API")
)
