package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Defaults applied to zero Options fields.
const (
	DefaultWriteTimeout  = 10 * time.Second
	DefaultSweepInterval = time.Second
	DefaultAsyncTTL      = 30 * time.Second
)

// ErrClientClosed is the cause recorded when Close shuts the transport
// down. It is wrapped together with ErrDeadClient.
var ErrClientClosed = errors.New("client closed")

// Options configures a Client.
type Options struct {
	// Timeout bounds Result calls whose context has no deadline.
	// Zero waits until the response arrives or the connection dies.
	Timeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// SweepInterval is how often resolved fire-and-forget commands are
	// removed from the in-flight table.
	SweepInterval time.Duration

	// AsyncTTL evicts fire-and-forget commands that never got a response.
	AsyncTTL time.Duration

	// Flatten sends session commands with a top-level sessionId instead of
	// wrapping them in Target.sendMessageToTarget.
	Flatten bool

	Logger  zerolog.Logger
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.AsyncTTL <= 0 {
		o.AsyncTTL = DefaultAsyncTTL
	}
	return o
}

// Client is a CDP protocol client.
type Client struct {
	conn    Conn
	opts    Options
	log     zerolog.Logger
	metrics *Metrics

	writeMu sync.Mutex
	msgID   atomic.Int64

	// mu guards pending and the dead transition.
	mu      sync.Mutex
	pending map[int64]*Pending

	handlers *handlerRegistry
	events   *eventQueue

	deadCh   chan struct{}
	deadOnce sync.Once
	deadErr  error
	closing  atomic.Bool

	// done signals that the read loop has exited
	done         chan struct{}
	dispatchDone chan struct{}
	sweepDone    chan struct{}
}

// NewClient creates a new CDP client with the given connection and starts
// its reader, dispatcher and sweeper goroutines.
func NewClient(conn Conn, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		conn:         conn,
		opts:         opts,
		log:          opts.Logger.With().Str("component", "cdp").Logger(),
		metrics:      opts.Metrics,
		pending:      make(map[int64]*Pending),
		handlers:     newHandlerRegistry(),
		events:       newEventQueue(),
		deadCh:       make(chan struct{}),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	go c.sweepLoop()
	return c
}

// Dial connects to a CDP endpoint and returns a new client.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	conn, err := DialConn(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts), nil
}

// Send issues a browser-level command and returns its handle.
func (c *Client) Send(ctx context.Context, method string, params any) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.issue(method, params, "", false, nil)
	if err != nil {
		return nil, err
	}
	c.metrics.commandSent("browser")
	return p, nil
}

// Call sends a browser-level command and waits for its result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := c.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return p.Result(ctx)
}

// SendAsync issues a command nobody waits for. Its in-flight entry is
// reclaimed by the sweeper.
func (c *Client) SendAsync(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.issue(method, params, "", true, nil); err != nil {
		return err
	}
	c.metrics.commandSent("async")
	return nil
}

// SendToSession issues a command addressed to one attached target session.
// The returned handle correlates on the inner command id.
func (c *Client) SendToSession(ctx context.Context, sessionID, method string, params any) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := c.sendToSession(sessionID, method, params, false)
	if err != nil {
		return nil, err
	}
	c.metrics.commandSent("session")
	return p, nil
}

// CallSession sends a session command and waits for its result.
func (c *Client) CallSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	p, err := c.SendToSession(ctx, sessionID, method, params)
	if err != nil {
		return nil, err
	}
	return p.Result(ctx)
}

// SendToSessionAsync is the fire-and-forget form of SendToSession.
func (c *Client) SendToSessionAsync(ctx context.Context, sessionID, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.sendToSession(sessionID, method, params, true); err != nil {
		return err
	}
	c.metrics.commandSent("async")
	return nil
}

// On registers a handler for events matching method. An empty sessionID
// subscribes to browser-level events; otherwise only events of that session
// are delivered. Handlers run in registration order on the dispatch
// goroutine, never on the reader.
func (c *Client) On(method, sessionID string, handler Handler) {
	c.handlers.add(sessionID, method, handler)
}

// ForgetSession drops every handler registered for sessionID.
func (c *Client) ForgetSession(sessionID string) {
	c.handlers.removeSession(sessionID)
}

// InFlight returns the number of commands in the in-flight table.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dead is closed when the connection has failed or was closed.
func (c *Client) Dead() <-chan struct{} {
	return c.deadCh
}

// Err returns the error that killed the client, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadErr
}

// Close closes the client connection and waits for its goroutines to exit.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		<-c.done
		return nil
	}

	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")

	<-c.done
	<-c.dispatchDone
	<-c.sweepDone

	return err
}

// sendToSession wraps the command for the session unless sessions are
// flattened, in which case the session id travels on the frame itself.
func (c *Client) sendToSession(sessionID, method string, params any, async bool) (*Pending, error) {
	if c.opts.Flatten {
		return c.issue(method, params, sessionID, async, nil)
	}

	id := c.msgID.Add(1)
	inner, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	p := newPending(c, id, method, async)
	if err := c.register(p); err != nil {
		return nil, err
	}

	envelope := sendMessageParams{SessionID: sessionID, Message: string(inner)}
	if _, err := c.issue(methodSendMessageToTarget, envelope, "", false, p); err != nil {
		c.release(id)
		return nil, err
	}
	return p, nil
}

// issue allocates the next id, registers the pending command and writes
// the frame. Id allocation and the write share one critical section so ids
// hit the wire in order.
func (c *Client) issue(method string, params any, sessionID string, async bool, forward *Pending) (*Pending, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	id := c.msgID.Add(1)
	data, err := json.Marshal(Request{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	p := newPending(c, id, method, async)
	p.forward = forward
	if err := c.register(p); err != nil {
		return nil, err
	}

	if err := c.writeFrame(data); err != nil {
		c.release(id)
		return nil, err
	}
	c.log.Debug().Int64("id", id).Str("method", method).Str("session", sessionID).Msg("sent")
	return p, nil
}

// writeFrame writes one frame. A transport write failure kills the client.
// Caller must hold writeMu.
func (c *Client) writeFrame(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.die(fmt.Errorf("write: %w", err))
		return c.Err()
	}
	return nil
}

func (c *Client) register(p *Pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deadErr != nil {
		return c.deadErr
	}
	c.pending[p.id] = p
	c.metrics.setInFlight(len(c.pending))
	return nil
}

// release forgets a pending command without resolving it.
func (c *Client) release(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.metrics.setInFlight(len(c.pending))
	c.mu.Unlock()
}

// observe records the outcome of a collected command.
func (c *Client) observe(p *Pending) {
	c.metrics.commandDone(time.Since(p.sentAt))
	if p.err != nil {
		c.metrics.commandFailed(p.err)
	}
}

// readLoop reads messages from the connection and dispatches them.
// It is the only reader of the transport.
func (c *Client) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.die(err)
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame routes one complete frame.
func (c *Client) handleFrame(data []byte) {
	resp, evt, err := parseMessage(data)
	if err != nil {
		c.metrics.malformedFrame()
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	if resp != nil {
		c.deliver(resp)
		return
	}

	if evt.Method == eventReceivedMessageFromTarget {
		resp, evt, err = unwrapSessionMessage(evt.Params)
		if err != nil {
			c.metrics.malformedFrame()
			c.log.Warn().Err(err).Msg("dropping malformed session message")
			return
		}
		if resp != nil {
			c.deliver(resp)
			return
		}
	}

	c.events.push(*evt)
}

// deliver completes the pending command matching resp.ID. Unknown ids are
// late responses for timed-out or swept commands and are dropped.
func (c *Client) deliver(resp *Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok && !p.async {
		delete(c.pending, resp.ID)
		c.metrics.setInFlight(len(c.pending))
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Int64("id", resp.ID).Msg("dropping response for unknown command id")
		return
	}

	err := classify(p.method, resp.Error)
	if p.forward != nil {
		// Envelope of a wrapped session command. Success only means the
		// browser accepted the message; the inner response follows.
		if err != nil {
			c.release(p.forward.id)
			p.forward.resolve(nil, classify(p.forward.method, resp.Error))
		}
		p.resolve(resp.Result, err)
		return
	}

	p.resolve(resp.Result, err)
	if p.async && err != nil {
		c.metrics.commandFailed(err)
		c.log.Debug().Err(err).Int64("id", p.id).Str("method", p.method).Msg("async command failed")
	}
}

// die moves the client to the dead state exactly once and fails every
// outstanding command with ErrDeadClient.
func (c *Client) die(cause error) {
	c.deadOnce.Do(func() {
		if c.closing.Load() {
			cause = ErrClientClosed
		}
		deadErr := fmt.Errorf("%w: %w", ErrDeadClient, cause)

		c.mu.Lock()
		c.deadErr = deadErr
		outstanding := c.pending
		c.pending = make(map[int64]*Pending)
		c.metrics.setInFlight(0)
		c.mu.Unlock()

		close(c.deadCh)

		if errors.Is(cause, ErrClientClosed) {
			c.log.Debug().Msg("connection closed")
		} else {
			c.log.Error().Err(cause).Str("reason", closeReason(cause)).
				Int("outstanding", len(outstanding)).Msg("connection lost")
		}

		for _, p := range outstanding {
			p.resolve(nil, deadErr)
		}
	})
}

// dispatchLoop drains the event queue and runs handlers. It exits once the
// reader has stopped and the queue is empty.
func (c *Client) dispatchLoop() {
	defer close(c.dispatchDone)

	for {
		batch := c.events.take()
		for _, evt := range batch {
			c.dispatch(evt)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.events.ready:
		case <-c.done:
			for _, evt := range c.events.take() {
				c.dispatch(evt)
			}
			return
		}
	}
}

// dispatch calls all registered handlers for an event. A panicking handler
// is logged and does not affect the others.
func (c *Client) dispatch(evt Event) {
	c.metrics.eventDispatched()
	for _, handler := range c.handlers.get(evt.SessionID, evt.Method) {
		c.invoke(handler, evt)
	}
}

func (c *Client) invoke(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.handlerPanicked()
			c.log.Warn().Str("method", evt.Method).Str("session", evt.SessionID).
				Interface("panic", r).Msg("event handler panicked")
		}
	}()
	handler(evt)
}

// sweepLoop periodically reclaims fire-and-forget entries.
func (c *Client) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.deadCh:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// sweep removes fire-and-forget commands that were answered or have been
// waiting longer than the async TTL.
func (c *Client) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, p := range c.pending {
		if !p.async {
			continue
		}
		if p.resolved() || now.Sub(p.sentAt) > c.opts.AsyncTTL {
			delete(c.pending, id)
			removed++
		}
	}
	if removed > 0 {
		c.metrics.setInFlight(len(c.pending))
		c.log.Debug().Int("removed", removed).Msg("swept fire-and-forget commands")
	}
	return removed
}
