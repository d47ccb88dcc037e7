package input

// NoRequest is the request id returned when the host denies a buffer
const NoRequest = -1

// DenyReason explains why a buffer request was not granted
type DenyReason uint8

const (
	DenyNone DenyReason = iota
	DenyPoolExhausted
	DenyTooLarge
	DenyInvalidSize
	DenyNotStarted
	DenyShuttingDown
	DenyNoBroker
)

var denyNames = [...]string{
	DenyNone:          "none",
	DenyPoolExhausted: "pool_exhausted",
	DenyTooLarge:      "too_large",
	DenyInvalidSize:   "invalid_size",
	DenyNotStarted:    "not_started",
	DenyShuttingDown:  "shutting_down",
	DenyNoBroker:      "no_broker",
}

func (r DenyReason) String() string {
	if int(r) < len(denyNames) {
		return denyNames[r]
	}
	return "unknown"
}

// Lease is the answer to a buffer request.
//
// A granted lease has a non-negative ID and Buf of exactly the requested
// size. The plugin may write Buf until it finalizes ID and must not touch it
// afterwards. A denied lease has ID NoRequest, a nil Buf and a Reason; the
// plugin drops the frame and must not finalize.
type Lease struct {
	ID     int
	Buf    []byte
	Reason DenyReason
}

// OK reports whether the lease was granted
func (l Lease) OK() bool {
	return l.ID >= 0
}

// Deny returns a denied lease
func Deny(reason DenyReason) Lease {
	return Lease{ID: NoRequest, Reason: reason}
}

// RequestBufferFunc asks the host for a writable region of size bytes
type RequestBufferFunc func(size int) Lease

// FinalizeBufferFunc hands a granted buffer back to the host with its header
type FinalizeBufferFunc func(id int, header ImageHeader)
