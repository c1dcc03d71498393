package domain

import "errors"

var (
	ErrBusinessNotFound   = errors.New("business not found")
	ErrStoreNotConfigured = errors.New("tenant store not configured")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotConfigured      = errors.New("upstream not configured")
	ErrUpstream           = errors.New("upstream error")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrStreamInterrupted  = errors.New("upstream stream interrupted")
)
