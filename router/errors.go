package router

import "errors"

var (
	ErrNoDeliverer = errors.New("router: no local deliverer configured")
)
