/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package peer holds the server-side handle for one live socket: who it
// belongs to and the queue of messages waiting to be written to it.
package peer

import (
	"sync"

	"github.com/google/uuid"
)

// Client is a single connection. The transport drains Messages into the
// socket; game code only ever calls Send and Close.
type Client struct {
	id  string
	uid string

	mu     sync.Mutex
	closed bool
	send   chan any
}

func NewClient(uid string, buffer int) *Client {
	if buffer < 1 {
		buffer = 1
	}

	return &Client{
		id:   uuid.NewString(),
		uid:  uid,
		send: make(chan any, buffer),
	}
}

// ID identifies this connection, distinct across reconnects of the same user.
func (c *Client) ID() string { return c.id }

// UID is the user identifier supplied on connect.
func (c *Client) UID() string { return c.uid }

// Messages is closed once the client is closed.
func (c *Client) Messages() <-chan any { return c.send }

// Send queues msg without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) Send(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}
