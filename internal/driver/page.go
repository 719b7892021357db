package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/rs/zerolog"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
	"github.com/grantcarthew/cdpdriver/internal/frame"
	"github.com/grantcarthew/cdpdriver/internal/remote"
	"github.com/grantcarthew/cdpdriver/internal/target"
)

// Page is one attached page target with its frame tree.
type Page struct {
	targetID string
	session  *cdp.Session
	frames   *frame.Manager
	decoder  *remote.Decoder
	errors   *errorLog
	log      zerolog.Logger

	raiseJSErrors bool

	// ready is closed once construction finished; err holds its outcome.
	ready chan struct{}
	err   error
}

// TargetID returns the page's target id, which is also its main frame id.
func (p *Page) TargetID() string { return p.targetID }

// Session returns the page's session view.
func (p *Page) Session() *cdp.Session { return p.session }

// Frames returns the page's frame manager.
func (p *Page) Frames() *frame.Manager { return p.frames }

// Errors returns the uncaught exceptions the page reported, oldest first.
func (p *Page) Errors() []PageError { return p.errors.all() }

// ClearErrors forgets the recorded page errors.
func (p *Page) ClearErrors() { p.errors.clear() }

// wait blocks until construction finished.
func (p *Page) wait(ctx context.Context) error {
	select {
	case <-p.ready:
		return p.err
	case <-ctx.Done():
		return fmt.Errorf("page %s: %w", p.targetID, ctx.Err())
	}
}

// build attaches to the target and brings the page to a state where its
// frame tree and execution contexts are tracked.
func (p *Page) build(ctx context.Context, d *Driver, reg *target.Registry, client *cdp.Client) error {
	sess, err := reg.Attach(ctx, p.targetID)
	if err != nil {
		return fmt.Errorf("attach to page %s: %w", p.targetID, err)
	}
	p.session = client.Session(sess.ID)
	p.frames = frame.NewManager(p.targetID, p.session, frame.Options{
		PollInterval: d.opts.FramePollInterval,
		Logger:       d.log,
	})
	p.decoder = remote.NewDecoder(p.session, d.log)

	// Handlers go in before the domains are enabled. Runtime.enable replays
	// the contexts of every existing frame, so the tree is loaded first.
	p.frames.Subscribe(p.session)
	p.session.On(cdproto.EventRuntimeExceptionThrown, p.handleExceptionThrown)

	if err := p.enable(ctx, cdproto.CommandPageEnable); err != nil {
		return err
	}
	if err := p.frames.LoadTree(ctx); err != nil {
		return err
	}
	if err := p.enable(ctx, cdproto.CommandRuntimeEnable); err != nil {
		return err
	}
	if err := p.enable(ctx, cdproto.CommandDOMEnable); err != nil {
		return err
	}
	if _, err := p.session.Call(ctx, cdproto.CommandPageSetLifecycleEventsEnabled, map[string]bool{"enabled": true}); err != nil {
		return fmt.Errorf("enable lifecycle events on page %s: %w", p.targetID, err)
	}
	p.log.Debug().Str("session", sess.ID).Msg("page ready")
	return nil
}

func (p *Page) enable(ctx context.Context, method string) error {
	if _, err := p.session.Call(ctx, method, nil); err != nil {
		return fmt.Errorf("%s on page %s: %w", method, p.targetID, err)
	}
	return nil
}

func (p *Page) handleExceptionThrown(evt cdp.Event) {
	var params struct {
		Timestamp        float64                 `json:"timestamp"`
		ExceptionDetails remote.ExceptionDetails `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		p.log.Warn().Err(err).Msg("malformed Runtime.exceptionThrown")
		return
	}

	err := remote.ExceptionError(&params.ExceptionDetails)
	at := time.Now()
	if params.Timestamp > 0 {
		at = time.UnixMilli(int64(params.Timestamp))
	}
	if p.raiseJSErrors {
		p.frames.SetJSError(err)
	}
	p.errors.push(PageError{Time: at, Err: err})
	p.log.Debug().Err(err).Msg("page exception")
}
