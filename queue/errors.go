package queue

import "errors"

var (
	ErrQueueClosed   = errors.New("queue is closed")
	ErrClientUnknown = errors.New("no queue for client")
)
