package bus

import "errors"

var (
	ErrEmptyAddress     = errors.New("bus: address must not be empty")
	ErrNilHandler       = errors.New("bus: handler must not be nil")
	ErrSubscriptionGone = errors.New("bus: subscription not found")
)
