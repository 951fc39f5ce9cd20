// Package ws provides the broker's peer connection: an ordered, framed duplex
// channel over gorilla/websocket with named-event listeners and acknowledged
// requests.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/model"
)

const sendBufferSize = 256

var (
	// ErrConnectionClosed is returned when sending on, or waiting for, a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSlowConsumer is returned when a peer stops draining its send queue.
	// The connection is closed when it happens.
	ErrSlowConsumer = errors.New("send buffer full")
)

// HandlerFunc handles one inbound event frame.
type HandlerFunc func(msg *Message)

// ListenerID identifies one attached listener so it can be detached precisely.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn HandlerFunc
}

// Conn is one live peer connection.
//
// Inbound frames are dispatched on the read goroutine in arrival order; outbound
// frames are queued and written in order by the write goroutine. A Conn created
// with a nil websocket is fully usable without pumps: frames are read from
// SendChan and injected with Dispatch.
type Conn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu          sync.Mutex
	closed      bool
	closeReason string
	nextID      ListenerID
	listeners   map[string][]listener
	pending     map[string]chan *Message
	onClose     []func()
}

// NewConn wraps a websocket connection under a fresh connection id.
func NewConn(conn *websocket.Conn, log zerolog.Logger) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With().Str("conn", id).Logger(),
		listeners: make(map[string][]listener),
		pending:   make(map[string]chan *Message),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// IsAlive reports whether the connection is still open.
func (c *Conn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// SendChan returns the outbound frame queue.
func (c *Conn) SendChan() <-chan []byte {
	return c.send
}

// Send queues a raw frame.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}

	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	c.log.Warn().Msg("send buffer full, closing connection")
	go c.CloseWithReason("slow consumer")
	return ErrSlowConsumer
}

// SendMessage marshals and queues a frame.
func (c *Conn) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return c.Send(data)
}

// Emit queues an event frame that expects no reply.
func (c *Conn) Emit(event string, data any) error {
	msg, err := NewMessage(event, data)
	if err != nil {
		return err
	}
	return c.SendMessage(msg)
}

// Forward re-emits a frame received from another peer with its event and
// payload untouched. Request and reply ids are not carried over.
func (c *Conn) Forward(msg *Message) error {
	return c.SendMessage(&Message{Event: msg.Event, Data: msg.Data})
}

// Request sends an event frame and waits for its single reply.
//
// It returns model.ErrAckTimeout when ctx expires first and ErrConnectionClosed
// when the connection closes first. A reply carrying an error string is returned
// as a *model.PeerError.
func (c *Conn) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	msg, err := NewMessage(event, data)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.NewString()

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.SendMessage(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, &model.PeerError{Event: event, Message: reply.Error}
		}
		return reply.Data, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", event, model.ErrAckTimeout)
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Reply answers a request frame received from the peer.
func (c *Conn) Reply(req *Message, data any) error {
	msg, err := NewMessage(req.Event, data)
	if err != nil {
		return err
	}
	msg.AckID = req.ID
	return c.SendMessage(msg)
}

// ReplyError answers a request frame with an error string.
func (c *Conn) ReplyError(req *Message, reason string) error {
	return c.SendMessage(&Message{Event: req.Event, AckID: req.ID, Error: reason})
}

// On attaches a listener for event. Listeners run in attachment order.
func (c *Conn) On(event string, fn HandlerFunc) ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.listeners[event] = append(c.listeners[event], listener{id: id, fn: fn})
	return id
}

// Off detaches the given listeners. Unknown ids are ignored.
func (c *Conn) Off(ids ...ListenerID) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[ListenerID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for event, ls := range c.listeners {
		kept := ls[:0]
		for _, l := range ls {
			if _, ok := drop[l.id]; !ok {
				kept = append(kept, l)
			}
		}
		if len(kept) == 0 {
			delete(c.listeners, event)
		} else {
			c.listeners[event] = kept
		}
	}
}

// ListenerCount returns the number of listeners attached for event.
func (c *Conn) ListenerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners[event])
}

// Dispatch routes an inbound frame: replies complete the matching Request,
// event frames go to the listeners attached for their event.
func (c *Conn) Dispatch(msg *Message) {
	if msg.IsReply() {
		c.mu.Lock()
		ch, ok := c.pending[msg.AckID]
		if ok {
			delete(c.pending, msg.AckID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Debug().Str("ack", msg.AckID).Msg("reply without pending request")
			return
		}
		ch <- msg
		return
	}

	c.mu.Lock()
	ls := append([]listener(nil), c.listeners[msg.Event]...)
	c.mu.Unlock()

	if len(ls) == 0 {
		c.log.Debug().Str("event", msg.Event).Msg("no listener for event")
		return
	}
	for _, l := range ls {
		l.fn(msg)
	}
}

// OnClose registers fn to run once when the connection closes. If it is already
// closed fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() {
	c.CloseWithReason("")
}

// CloseWithReason closes the connection and, when reason is set, sends it to
// the peer in a policy-violation close frame.
func (c *Conn) CloseWithReason(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	close(c.send)
	close(c.done)
	hooks := c.onClose
	c.onClose = nil
	c.listeners = make(map[string][]listener)
	c.mu.Unlock()

	c.cancel()

	for _, fn := range hooks {
		fn()
	}
}

func (c *Conn) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}
