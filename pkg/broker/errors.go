package broker

import "errors"

// Finalize rejections. None of them are fatal; the broker logs, counts and
// ignores the call.
var (
	ErrUnknownRequest   = errors.New("unknown request id")
	ErrForeignRequest   = errors.New("request id belongs to another instance")
	ErrAlreadyFinalized = errors.New("request id already finalized")
	ErrInvalidHeader    = errors.New("invalid image header")
	ErrOversizedFrame   = errors.New("frame larger than requested buffer")
	ErrClosed           = errors.New("broker closed")
)

// violationKind maps a finalize error to its metric label
func violationKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, ErrForeignRequest):
		return "foreign_request"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrInvalidHeader):
		return "invalid_header"
	case errors.Is(err, ErrOversizedFrame):
		return "oversized_frame"
	}
	return "other"
}
