// Package driver ties the protocol client, target registry, frame managers
// and value decoder together into the surface browser adapters use.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
	"github.com/grantcarthew/cdpdriver/internal/frame"
	"github.com/grantcarthew/cdpdriver/internal/remote"
	"github.com/grantcarthew/cdpdriver/internal/target"
)

// DefaultLoadTimeout bounds waits for the current frame to become usable.
const DefaultLoadTimeout = 10 * time.Second

// ErrNoPage is returned when no page target is attached.
var ErrNoPage = errors.New("no page attached")

// ErrNoSuchWindow is returned by SwitchToWindow for an unknown target id.
var ErrNoSuchWindow = errors.New("no such window")

// ErrClosed is returned by Restart after Close.
var ErrClosed = errors.New("driver closed")

// DialFunc opens the transport to a browser endpoint.
type DialFunc func(ctx context.Context, wsURL string) (cdp.Conn, error)

// Options configures a Driver.
type Options struct {
	// Client configures every protocol client the driver creates.
	Client cdp.Options

	// LoadTimeout bounds WaitForLoaded, Evaluate and PushFrame when the
	// caller passes no timeout. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration

	FramePollInterval time.Duration

	// RaiseJSErrors makes the next wait on a page fail with the page's
	// most recent uncaught exception.
	RaiseJSErrors bool

	ErrorBufferSize int

	// Resolve returns the endpoint to dial on Restart. When nil the URL
	// passed to Connect is dialled again.
	Resolve func(ctx context.Context) (string, error)

	// Dial opens the transport. When nil cdp.DialConn is used.
	Dial DialFunc

	Logger zerolog.Logger
}

// Driver owns one browser connection and the pages attached through it.
type Driver struct {
	opts Options
	log  zerolog.Logger

	restartMu sync.Mutex // serialises Restart and Close

	mu      sync.RWMutex
	url     string
	client  *cdp.Client
	targets *target.Registry
	pages   map[string]*Page
	current string // target id of the current page
	closed  bool
}

// Connect dials wsURL, discovers the browser's targets and attaches to
// every existing page. A blank page is opened when none exists.
func Connect(ctx context.Context, wsURL string, opts Options) (*Driver, error) {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.Dial == nil {
		opts.Dial = cdp.DialConn
	}
	opts.Client.Logger = opts.Logger

	d := &Driver{
		opts: opts,
		log:  opts.Logger.With().Str("component", "driver").Logger(),
		url:  wsURL,
	}
	if err := d.start(ctx, wsURL); err != nil {
		return nil, err
	}
	return d, nil
}

// start dials wsURL and rebuilds all connection state.
func (d *Driver) start(ctx context.Context, wsURL string) error {
	conn, err := d.opts.Dial(ctx, wsURL)
	if err != nil {
		return err
	}
	client := cdp.NewClient(conn, d.opts.Client)
	reg := target.NewRegistry(client, d.opts.Client.Flatten, d.opts.Logger)

	d.mu.Lock()
	d.url = wsURL
	d.client = client
	d.targets = reg
	d.pages = make(map[string]*Page)
	d.current = ""
	d.mu.Unlock()

	reg.OnPage(func(ctx context.Context, t target.Target) {
		if _, err := d.openPage(ctx, reg, client, t.Info.TargetID); err != nil {
			d.log.Warn().Err(err).Str("target", t.Info.TargetID).Msg("page setup failed")
		}
	})
	reg.OnDestroyed(d.dropPage)
	reg.OnDetached(d.dropPage)
	reg.Subscribe()

	if err := d.attachExisting(ctx, reg, client); err != nil {
		d.shutdown(client, reg)
		return err
	}
	d.log.Debug().Str("url", wsURL).Int("pages", len(d.WindowHandles())).Msg("connected")
	return nil
}

// attachExisting enables discovery and attaches to the pages that already
// exist, in parallel.
func (d *Driver) attachExisting(ctx context.Context, reg *target.Registry, client *cdp.Client) error {
	if err := reg.Discover(ctx); err != nil {
		return err
	}

	pages := reg.OfType(target.TypePage)
	if len(pages) == 0 {
		res, err := cdp.Invoke[struct {
			TargetID string `json:"targetId"`
		}](ctx, client, cdproto.CommandTargetCreateTarget, map[string]string{"url": "about:blank"})
		if err != nil {
			return fmt.Errorf("open blank page: %w", err)
		}
		if err := reg.Add(target.Info{TargetID: res.TargetID, Type: target.TypePage, URL: "about:blank"}); err != nil && !errors.Is(err, target.ErrDuplicateTarget) {
			return err
		}
		_, err = d.openPage(ctx, reg, client, res.TargetID)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range pages {
		g.Go(func() error {
			_, err := d.openPage(gctx, reg, client, t.Info.TargetID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// The first discovered page is current, whichever finished first.
	d.mu.Lock()
	d.current = pages[0].Info.TargetID
	d.mu.Unlock()
	return nil
}

// openPage returns the page for targetID, building it on first use.
// Concurrent callers share one construction.
func (d *Driver) openPage(ctx context.Context, reg *target.Registry, client *cdp.Client, targetID string) (*Page, error) {
	d.mu.Lock()
	if d.targets != reg {
		d.mu.Unlock()
		return nil, fmt.Errorf("page %s: %w", targetID, cdp.ErrDeadClient)
	}
	if p, ok := d.pages[targetID]; ok {
		d.mu.Unlock()
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		return p, nil
	}
	p := &Page{
		targetID:      targetID,
		errors:        newErrorLog(d.opts.ErrorBufferSize),
		log:           d.log.With().Str("page", targetID).Logger(),
		raiseJSErrors: d.opts.RaiseJSErrors,
		ready:         make(chan struct{}),
	}
	d.pages[targetID] = p
	d.mu.Unlock()

	p.err = p.build(ctx, d, reg, client)
	close(p.ready)

	d.mu.Lock()
	defer d.mu.Unlock()
	if p.err != nil {
		if d.pages[targetID] == p {
			delete(d.pages, targetID)
		}
		return nil, p.err
	}
	if d.current == "" && d.pages[targetID] == p {
		d.current = targetID
	}
	return p, nil
}

// dropPage forgets a page whose target or session went away.
func (d *Driver) dropPage(t target.Target) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := t.Info.TargetID
	if _, ok := d.pages[id]; !ok {
		return
	}
	delete(d.pages, id)
	d.log.Debug().Str("page", id).Msg("page dropped")

	if d.current != id {
		return
	}
	d.current = ""
	for _, handle := range d.targets.WindowHandles() {
		if p, ok := d.pages[handle]; ok && isReady(p) {
			d.current = handle
			break
		}
	}
}

func isReady(p *Page) bool {
	select {
	case <-p.ready:
		return p.err == nil
	default:
		return false
	}
}

// Page returns the current page.
func (d *Driver) Page() (*Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.current == "" {
		return nil, ErrNoPage
	}
	p, ok := d.pages[d.current]
	if !ok || !isReady(p) {
		return nil, ErrNoPage
	}
	return p, nil
}

// Client returns the active protocol client.
func (d *Driver) Client() *cdp.Client {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.client
}

// Targets returns the active target registry.
func (d *Driver) Targets() *target.Registry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.targets
}

// Dead is closed when the active connection fails for good.
func (d *Driver) Dead() <-chan struct{} {
	return d.Client().Dead()
}

// Command issues a blocking command on the current page's session.
func (d *Driver) Command(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, err := d.Page()
	if err != nil {
		return nil, err
	}
	return p.session.Call(ctx, method, params)
}

// AsyncCommand issues a command on the current page's session without
// waiting for its response.
func (d *Driver) AsyncCommand(ctx context.Context, method string, params any) error {
	p, err := d.Page()
	if err != nil {
		return err
	}
	return p.session.SendAsync(ctx, method, params)
}

// On subscribes handler to events of the current page's session.
func (d *Driver) On(method string, handler cdp.Handler) error {
	p, err := d.Page()
	if err != nil {
		return err
	}
	p.session.On(method, handler)
	return nil
}

// CurrentFrame returns the innermost pushed frame of the current page.
func (d *Driver) CurrentFrame() (*frame.Frame, error) {
	p, err := d.Page()
	if err != nil {
		return nil, err
	}
	return p.frames.Current(), nil
}

// WaitForLoaded waits until the current frame has an execution context and
// is not loading. A zero timeout uses the configured load timeout.
func (d *Driver) WaitForLoaded(ctx context.Context, timeout time.Duration, allowObsolete bool) (*frame.Frame, error) {
	p, err := d.Page()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.opts.LoadTimeout
	}
	return p.frames.WaitUntilUsable(ctx, timeout, allowObsolete)
}

// Decode converts a remote object of the current page into a Go value.
func (d *Driver) Decode(ctx context.Context, obj remote.Object) (any, error) {
	p, err := d.Page()
	if err != nil {
		return nil, err
	}
	return p.decoder.Decode(ctx, obj)
}

// Evaluate runs expression in the current frame and decodes its result.
// Promises are awaited.
func (d *Driver) Evaluate(ctx context.Context, expression string) (any, error) {
	p, err := d.Page()
	if err != nil {
		return nil, err
	}
	f, err := p.frames.WaitUntilUsable(ctx, d.opts.LoadTimeout, false)
	if err != nil {
		return nil, err
	}
	contextID, ok := f.ContextID()
	if !ok {
		return nil, &cdp.WrongWorldError{Method: cdproto.CommandRuntimeEvaluate, Message: "execution context went away"}
	}

	res, err := cdp.Invoke[struct {
		Result           remote.Object            `json:"result"`
		ExceptionDetails *remote.ExceptionDetails `json:"exceptionDetails,omitempty"`
	}](ctx, p.session, cdproto.CommandRuntimeEvaluate, map[string]any{
		"expression":    expression,
		"contextId":     contextID,
		"returnByValue": false,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, remote.ExceptionError(res.ExceptionDetails)
	}
	return p.decoder.Decode(ctx, res.Result)
}

// Navigate loads url in the current page and waits until the main frame
// is usable again.
func (d *Driver) Navigate(ctx context.Context, url string) (*frame.Frame, error) {
	p, err := d.Page()
	if err != nil {
		return nil, err
	}
	res, err := cdp.Invoke[struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}](ctx, p.session, cdproto.CommandPageNavigate, map[string]string{"url": url})
	if err != nil {
		return nil, err
	}
	if res.ErrorText != "" {
		return nil, &cdp.BrowserError{Name: "NavigationError", Message: fmt.Sprintf("%s: %s", url, res.ErrorText)}
	}

	// The response can overtake the navigation's events.
	f, ok := p.frames.Get(res.FrameID)
	if !ok {
		f = p.frames.Main()
	}
	f.Expect(res.LoaderID)
	return p.frames.WaitUntilUsable(ctx, d.opts.LoadTimeout, false)
}

// PushFrame makes the frame of an iframe element the current frame.
func (d *Driver) PushFrame(ctx context.Context, element remote.Object) error {
	p, err := d.Page()
	if err != nil {
		return err
	}
	if !element.IsNode() || element.ObjectID == "" {
		return &cdp.FrameNotFoundError{Frame: element.Description}
	}
	return p.frames.PushFrameElement(ctx, element.ObjectID, d.opts.LoadTimeout)
}

// PopFrame leaves the current frame, or every pushed frame when toTop.
func (d *Driver) PopFrame(toTop bool) error {
	p, err := d.Page()
	if err != nil {
		return err
	}
	p.frames.PopFrame(toTop)
	return nil
}

// WindowHandles lists page target ids in discovery order.
func (d *Driver) WindowHandles() []string {
	return d.Targets().WindowHandles()
}

// SwitchToWindow makes the page with targetID current, attaching to it
// first if needed.
func (d *Driver) SwitchToWindow(ctx context.Context, targetID string) error {
	d.mu.RLock()
	reg, client := d.targets, d.client
	d.mu.RUnlock()

	t, ok := reg.Get(targetID)
	if !ok || t.Info.Type != target.TypePage {
		return fmt.Errorf("%w: %s", ErrNoSuchWindow, targetID)
	}
	if _, err := d.openPage(ctx, reg, client, targetID); err != nil {
		return err
	}
	if err := client.SendAsync(ctx, cdproto.CommandTargetActivateTarget, map[string]string{"targetId": targetID}); err != nil {
		return err
	}

	d.mu.Lock()
	d.current = targetID
	d.mu.Unlock()
	return nil
}

// Errors returns the uncaught exceptions of the current page, oldest first.
func (d *Driver) Errors() []PageError {
	p, err := d.Page()
	if err != nil {
		return nil
	}
	return p.Errors()
}

// Restart discards every target, session and frame, dials the browser
// again and re-attaches its pages. It is the recovery path for
// cdp.ErrDeadClient.
func (d *Driver) Restart(ctx context.Context) error {
	d.restartMu.Lock()
	defer d.restartMu.Unlock()

	d.mu.RLock()
	client, reg, url, closed := d.client, d.targets, d.url, d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	d.shutdown(client, reg)

	if d.opts.Resolve != nil {
		resolved, err := d.opts.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve browser endpoint: %w", err)
		}
		url = resolved
	}
	d.log.Info().Str("url", url).Msg("restarting")
	return d.start(ctx, url)
}

func (d *Driver) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

// waitRestart blocks while a Restart or Close is in progress.
func (d *Driver) waitRestart() {
	d.restartMu.Lock()
	d.restartMu.Unlock()
}

// Close shuts down the connection. Pages are left open in the browser.
func (d *Driver) Close() error {
	d.restartMu.Lock()
	defer d.restartMu.Unlock()

	d.mu.Lock()
	client, reg := d.client, d.targets
	d.pages = make(map[string]*Page)
	d.current = ""
	d.closed = true
	d.mu.Unlock()

	return d.shutdown(client, reg)
}

// shutdown closes the client first so in-flight page construction fails
// fast, then waits for the registry's workers.
func (d *Driver) shutdown(client *cdp.Client, reg *target.Registry) error {
	if client == nil {
		return nil
	}
	err := client.Close()
	reg.Close()
	return err
}
