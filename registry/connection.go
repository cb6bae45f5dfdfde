package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tickstream/codec"
	"github.com/c360/tickstream/pkg/buffer"
)

// Transport is the network handle behind a connection. Implementations
// must apply their own write deadlines; the registry never blocks
// forever on a write.
type Transport interface {
	// WriteText sends one uncompressed JSON frame.
	WriteText(data []byte) error
	// WriteBinary sends one gzip-compressed frame.
	WriteBinary(data []byte) error
	// Ping sends a transport-level keepalive probe.
	Ping() error
	Close() error
	RemoteAddr() string
}

// Connection is one registered client. The registry owns it
// exclusively; other packages refer to it only by ID.
type Connection struct {
	ID        string
	Remote    string
	CreatedAt time.Time

	transport Transport
	queue     buffer.Buffer[codec.Encoded]

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	// wake signals the writer goroutine that the queue has data.
	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesSent        atomic.Int64
	bytesReceived    atomic.Int64
	sendFailures     atomic.Int64
}

func newConnection(transport Transport, queue buffer.Buffer[codec.Encoded]) *Connection {
	c := &Connection{
		ID:        uuid.NewString(),
		Remote:    transport.RemoteAddr(),
		CreatedAt: time.Now().UTC(),
		transport: transport,
		queue:     queue,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Activate marks the handshake complete. Returns false when the
// connection already left the Connecting state.
func (c *Connection) Activate() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Touch records inbound activity for the idle sweep.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound traffic.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// RecordReceived counts one inbound frame.
func (c *Connection) RecordReceived(bytes int) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(int64(bytes))
	c.Touch()
}

// QueueDepth returns the number of frames waiting for delivery.
func (c *Connection) QueueDepth() int {
	return c.queue.Size()
}

// Stats returns a point-in-time copy of the connection counters.
func (c *Connection) Stats() ConnectionStats {
	return ConnectionStats{
		ID:               c.ID,
		Remote:           c.Remote,
		State:            c.State().String(),
		CreatedAt:        c.CreatedAt,
		LastActivity:     c.LastActivity(),
		QueueDepth:       c.queue.Size(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		SendFailures:     c.sendFailures.Load(),
	}
}

// ConnectionStats is the exported per-connection counter snapshot.
type ConnectionStats struct {
	ID               string    `json:"id"`
	Remote           string    `json:"remote"`
	State            string    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	QueueDepth       int       `json:"queue_depth"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesReceived int64     `json:"messages_received"`
	BytesSent        int64     `json:"bytes_sent"`
	BytesReceived    int64     `json:"bytes_received"`
	SendFailures     int64     `json:"send_failures"`
}

// signalWriter nudges the writer goroutine without blocking.
func (c *Connection) signalWriter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// writeEncoded sends one frame on the transport, picking the message
// type by compression flag.
func (c *Connection) writeEncoded(enc codec.Encoded) error {
	var err error
	if enc.Compressed {
		err = c.transport.WriteBinary(enc.Data)
	} else {
		err = c.transport.WriteText(enc.Data)
	}
	if err != nil {
		c.sendFailures.Add(1)
		return err
	}
	c.messagesSent.Add(1)
	c.bytesSent.Add(int64(len(enc.Data)))
	return nil
}
