package presence

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// ErrChannelDown is returned by Send while the websocket link is not
// established. Callers fall back to the synchronous port.
var ErrChannelDown = errors.New("region channel down")

// WSChannel is the websocket-backed region channel. It reconnects with
// exponential backoff and reports its link state via Connected, so the
// coordinator can route around outages.
type WSChannel struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// DialChannel starts connecting to a hub websocket URL
// (ws://host/ws/{tenant}/{region}). The returned channel is usable
// immediately; Send fails with ErrChannelDown until the link is up.
func DialChannel(url string) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		url:    url,
		events: make(chan Event, 32),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *WSChannel) Connected() bool {
	return c.connected.Load()
}

// Send writes a client message on the live connection.
func (c *WSChannel) Send(msg ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected.Load() {
		return ErrChannelDown
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return err
	}
	return nil
}

func (c *WSChannel) Events() <-chan Event {
	return c.events
}

// Close stops reconnecting and tears down the link.
func (c *WSChannel) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
	return nil
}

func (c *WSChannel) run() {
	defer close(c.done)
	defer close(c.events)
	for {
		conn, err := c.dial()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)

		c.readLoop(conn)

		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

// dial retries with exponential backoff until connected or closed.
func (c *WSChannel) dial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		dialed, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			log.Printf("region channel dial %s: %v", c.url, err)
			return err
		}
		conn = dialed
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	if err := backoff.Retry(operation, backoff.WithContext(policy, c.ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			select {
			case <-c.ctx.Done():
			default:
				log.Printf("region channel read: %v", err)
			}
			return
		}
		select {
		case c.events <- event:
		case <-c.ctx.Done():
			return
		}
	}
}
