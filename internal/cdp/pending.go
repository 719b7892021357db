package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Pending is an in-flight command. Its Result blocks until the browser
// answers, the connection dies or the caller's deadline passes.
type Pending struct {
	client *Client
	id     int64
	method string
	sentAt time.Time
	async  bool

	// forward is the wrapped session command carried by this envelope.
	// An error on the envelope fails the wrapped command too.
	forward *Pending

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newPending(c *Client, id int64, method string, async bool) *Pending {
	return &Pending{
		client: c,
		id:     id,
		method: method,
		sentAt: time.Now(),
		async:  async,
		done:   make(chan struct{}),
	}
}

// ID returns the command id the caller correlates on. For session commands
// this is the inner id, not the id of the envelope.
func (p *Pending) ID() int64 { return p.id }

// Method returns the CDP method name.
func (p *Pending) Method() string { return p.method }

// Done is closed once the command is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// resolve stores the outcome. Only the first call has an effect.
func (p *Pending) resolve(result json.RawMessage, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

func (p *Pending) resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result waits for the response. If ctx carries no deadline the client's
// configured command timeout applies; zero means wait until the response
// arrives or the connection dies. On timeout the in-flight slot is released
// and a late response is dropped.
func (p *Pending) Result(ctx context.Context) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok && p.client.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.client.opts.Timeout)
		defer cancel()
	}

	select {
	case <-p.done:
		p.client.observe(p)
		return p.result, p.err
	case <-ctx.Done():
		p.client.release(p.id)
		err := timeoutOrCancel(p.method, ctx)
		p.client.metrics.commandFailed(err)
		return nil, err
	}
}
