package message

import "errors"

var (
	ErrInconsistentUnit    = errors.New("message: stream, coding and dtype must be all present or all absent")
	ErrUnsupportedEncoding = errors.New("message: unsupported encoding")
	ErrInvalidBase64       = errors.New("message: invalid base64 stream")
	ErrUnsupportedFormat   = errors.New("message: unsupported wire format")
	ErrIndexOutOfRange     = errors.New("message: datum index out of range")
	ErrMalformedEnvelope   = errors.New("message: malformed envelope")
	ErrUnencodableText     = errors.New("message: text cannot be carried by the wire format")
)
