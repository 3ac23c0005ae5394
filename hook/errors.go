package hook

import "errors"

var (
	ErrHookNotFound            = errors.New("hook not found")
	ErrHookAlreadyExists       = errors.New("hook already exists")
	ErrEmptyHookID             = errors.New("hook id cannot be empty")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrRatelimitClientNil      = errors.New("rate limit: client is nil")
	ErrGlobalRateLimitExceeded = errors.New("global rate limit exceeded")
	ErrTopicRateLimitExceeded  = errors.New("topic rate limit exceeded")

	ErrScramChannelBinding       = errors.New("scram: unsupported gs2 channel binding header")
	ErrScramMalformedMessage     = errors.New("scram: malformed message")
	ErrScramUnknownUser          = errors.New("scram: unknown user")
	ErrScramNoExchange           = errors.New("scram: no exchange in progress for client")
	ErrScramNonceMismatch        = errors.New("scram: server nonce mismatch")
	ErrScramAuthenticationFailed = errors.New("scram: client proof verification failed")
)
