// Package status defines the error kinds shared by the block manager,
// tuple stream and Parquet column reader tree. Every fallible operation
// in this module returns one of these sentinels, wrapped with %w so
// call sites can attach context without losing errors.Is/As matching.
package status

import "errors"

var (
	// ErrCancelled is returned by Pin and GetNewBlock on a cancelled
	// BufferedBlockMgr, and by anything downstream that observes one.
	ErrCancelled = errors.New("status: cancelled")

	// ErrMemLimitExceeded is returned when a required allocation could
	// not be served even after eviction was attempted. Optional
	// allocations never return this; they report "no buffer granted"
	// instead (GetNewBlock returns a nil block with a nil error, Pin
	// returns granted=false).
	ErrMemLimitExceeded = errors.New("status: memory limit exceeded")

	// ErrBlockOverflow means a single row (plus its null bitmap bits)
	// does not fit in even an empty max-size block.
	ErrBlockOverflow = errors.New("status: row does not fit in a block")

	// ErrCorrupt means a Parquet metadata invariant was violated:
	// multiple dictionary pages, a page-count mismatch, truncated
	// page header, an out-of-file offset, or a bad num_values.
	ErrCorrupt = errors.New("status: corrupt parquet metadata")

	// ErrUnsupportedSchema means the file uses an encoding, codec,
	// repetition type or decimal layout outside the supported set.
	ErrUnsupportedSchema = errors.New("status: unsupported parquet schema")

	// ErrIoError wraps a failed underlying read or write.
	ErrIoError = errors.New("status: io error")

	// ErrDecodeError covers dictionary lookup misses, malformed level
	// decoders, and boolean decode failures.
	ErrDecodeError = errors.New("status: decode error")
)

// Kind classifies an error returned by this module, defaulting to
// KindUnknown for errors that do not wrap one of the sentinels above.
type Kind int

const (
	KindUnknown Kind = iota
	KindCancelled
	KindMemLimitExceeded
	KindBlockOverflow
	KindCorrupt
	KindUnsupportedSchema
	KindIoError
	KindDecodeError
)

// Classify reports which Kind err wraps, if any.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrMemLimitExceeded):
		return KindMemLimitExceeded
	case errors.Is(err, ErrBlockOverflow):
		return KindBlockOverflow
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrUnsupportedSchema):
		return KindUnsupportedSchema
	case errors.Is(err, ErrIoError):
		return KindIoError
	case errors.Is(err, ErrDecodeError):
		return KindDecodeError
	default:
		return KindUnknown
	}
}

// OpError wraps an error with the operation and component that produced
// it, mirroring the teacher's *LogError pattern in log/logmgr.go.
type OpError struct {
	Component string
	Op        string
	Err       error
}

func (e *OpError) Error() string {
	return e.Component + ": " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap constructs an *OpError, the standard way this module attaches
// context to a sentinel before returning it.
func Wrap(component, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Component: component, Op: op, Err: err}
}
