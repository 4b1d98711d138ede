package protocol

import "errors"

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrMissingMType   = errors.New("protocol: missing mtype")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrInvalidToken   = errors.New("protocol: invalid token")
	ErrInvalidObject  = errors.New("protocol: invalid object id")
	ErrInvalidField   = errors.New("protocol: invalid field")
)
