package hub

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrClientClosed is returned when enqueueing to a closed client.
	ErrClientClosed = errors.New("client closed")
	// ErrBufferFull is returned when a client's outbound buffer is full.
	ErrBufferFull = errors.New("client send buffer full")
)

// Client is the capability to enqueue outbound text to one socket. Two
// clients are never equal unless they are the same pointer.
type Client struct {
	id     string
	send   chan string
	mu     sync.RWMutex
	closed bool
}

// NewClient creates a client with a buffer of size messages.
func NewClient(size int) *Client {
	if size < 1 {
		size = 1
	}
	return &Client{
		id:   uuid.NewString(),
		send: make(chan string, size),
	}
}

// ID returns the client identifier used in logs.
func (c *Client) ID() string {
	return c.id
}

// Messages is drained by the socket writer. It is closed by Close.
func (c *Client) Messages() <-chan string {
	return c.send
}

// Enqueue hands msg to the writer without blocking.
func (c *Client) Enqueue(msg string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops accepting messages and closes the outbound channel. It is
// safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
