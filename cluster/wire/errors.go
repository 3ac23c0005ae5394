package wire

import "errors"

var (
	ErrInvalidType     = errors.New("wire: invalid frame type")
	ErrMalformedLength = errors.New("wire: malformed frame length")
	ErrUnexpectedEOF   = errors.New("wire: unexpected end of input")
)
