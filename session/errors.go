package session

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrStoreClosed          = errors.New("store is closed")
	ErrTopicAliasUnresolved = errors.New("session: topic alias not previously mapped")
	ErrReceiveMaximumFull   = errors.New("session: receive maximum window full")
)
