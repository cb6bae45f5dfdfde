// Package buffer provides generic, thread-safe bounded buffers with
// configurable overflow policies.
//
// The ring buffer backs both the publisher's pending-event staging and every
// connection's outbound queue, so the overflow policy here IS the system's
// back-pressure policy: DropOldest keeps the freshest data flowing to slow
// consumers, DropNewest sheds incoming load, Reject surfaces the overflow to
// the caller so it can apply a disconnect policy.
//
// Statistics are always collected; Prometheus export is optional via
// WithMetrics().
package buffer

// Buffer is a generic bounded buffer. All implementations are safe for
// concurrent use.
type Buffer[T any] interface {
	// Write adds an item to the buffer. Behavior on a full buffer depends on
	// the overflow policy; Reject returns ErrFull, the drop policies succeed.
	Write(item T) error

	// Read retrieves and removes one item.
	// Returns the zero value and false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the current number of buffered items.
	Size() int

	// Capacity returns the maximum number of items the buffer can hold.
	Capacity() int

	// IsFull reports whether the buffer is at capacity.
	IsFull() bool

	// IsEmpty reports whether the buffer contains no items.
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics (always available for observability).
	Stats() *Statistics

	// Close shuts down the buffer; subsequent writes fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops the incoming item when the buffer is full.
	DropNewest

	// Reject fails the Write with ErrFull when the buffer is full, leaving
	// the decision to the caller.
	Reject
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item discarded by an overflow policy.
type DropCallback[T any] func(item T)

// NewRing creates a ring buffer with the given capacity and options.
// Returns an error if Prometheus metric registration fails when requested.
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newRing(capacity, opts)
}
