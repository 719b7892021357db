// Package target tracks the targets a browser reports and the sessions
// attached to them.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

// TypePage is the target type of a browser tab.
const TypePage = "page"

// ErrDuplicateTarget is returned by Add for an id that is already tracked.
var ErrDuplicateTarget = errors.New("target already registered")

// Info is the browser's description of a target.
type Info struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	OpenerID         string `json:"openerId,omitempty"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// Session addresses one attached target.
type Session struct {
	ID       string
	TargetID string
}

// Target is a registry entry as returned to callers.
type Target struct {
	Info    Info
	Session *Session
}

// PageFunc is called for every page target the browser creates.
type PageFunc func(ctx context.Context, t Target)

// GoneFunc is called when a target is destroyed or its session detaches.
type GoneFunc func(t Target)

type entry struct {
	info    Info
	session *Session
	gone    chan struct{}
}

// Registry tracks targets and their sessions. At most one session exists
// per target.
type Registry struct {
	client  *cdp.Client
	log     zerolog.Logger
	flatten bool

	attaches singleflight.Group
	workers  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	targets  map[string]*entry
	order    []string // target ids in discovery order
	onPage   []PageFunc
	onGone   []GoneFunc
	onDetach []GoneFunc
}

// NewRegistry creates an empty registry. flatten must match the client's
// session mode so attach asks Chrome for the same routing.
func NewRegistry(client *cdp.Client, flatten bool, logger zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		client:  client,
		log:     logger.With().Str("component", "targets").Logger(),
		flatten: flatten,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]*entry),
	}
}

// OnPage registers fn to run, on its own goroutine, for each page target
// reported by Target.targetCreated.
func (r *Registry) OnPage(fn PageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onPage = append(r.onPage, fn)
}

// OnDestroyed registers fn to run after a target is removed.
func (r *Registry) OnDestroyed(fn GoneFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGone = append(r.onGone, fn)
}

// OnDetached registers fn to run after a target's session detaches.
func (r *Registry) OnDetached(fn GoneFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDetach = append(r.onDetach, fn)
}

// Add registers a target.
func (r *Registry) Add(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[info.TargetID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, info.TargetID)
	}
	r.targets[info.TargetID] = &entry{info: info, gone: make(chan struct{})}
	r.order = append(r.order, info.TargetID)
	return nil
}

// Get returns the target with the given id.
func (r *Registry) Get(targetID string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.targets[targetID]
	if !ok {
		return Target{}, false
	}
	return e.target(), true
}

// Delete removes a target and reports whether it was present.
func (r *Registry) Delete(targetID string) bool {
	_, ok := r.remove(targetID)
	return ok
}

func (r *Registry) remove(targetID string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.targets[targetID]
	if !ok {
		return Target{}, false
	}
	delete(r.targets, targetID)
	for i, id := range r.order {
		if id == targetID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	close(e.gone)
	if e.session != nil {
		r.client.ForgetSession(e.session.ID)
	}
	return e.target(), true
}

// All returns every target in discovery order.
func (r *Registry) All() []Target {
	return r.filter(func(Info) bool { return true })
}

// OfType returns the targets of the given type in discovery order.
func (r *Registry) OfType(typ string) []Target {
	return r.filter(func(info Info) bool { return info.Type == typ })
}

func (r *Registry) filter(keep func(Info) bool) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Target
	for _, id := range r.order {
		if e := r.targets[id]; keep(e.info) {
			out = append(out, e.target())
		}
	}
	return out
}

// WindowHandles returns the ids of page targets in discovery order.
func (r *Registry) WindowHandles() []string {
	pages := r.OfType(TypePage)
	handles := make([]string, len(pages))
	for i, p := range pages {
		handles[i] = p.Info.TargetID
	}
	return handles
}

// SessionFor returns the session attached to targetID, if any.
func (r *Registry) SessionFor(targetID string) (*Session, bool) {
	t, ok := r.Get(targetID)
	if !ok || t.Session == nil {
		return nil, false
	}
	return t.Session, true
}

// Len returns the number of tracked targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Attach attaches to targetID and stores the session. Concurrent callers
// share one Target.attachToTarget, which runs for the registry's lifetime
// rather than any one caller's; ctx only bounds this caller's wait. An
// unknown target, or one destroyed before the handshake completes, fails
// with a wrong-world error.
func (r *Registry) Attach(ctx context.Context, targetID string) (*Session, error) {
	r.mu.RLock()
	e, ok := r.targets[targetID]
	var existing *Session
	if ok {
		existing = e.session
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &cdp.WrongWorldError{Method: cdproto.CommandTargetAttachToTarget, Message: "no target with id " + targetID}
	}
	if existing != nil {
		return existing, nil
	}

	ch := r.attaches.DoChan(targetID, func() (any, error) {
		return r.attach(r.ctx, targetID, e.gone)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, &cdp.TimeoutError{Op: "attach " + targetID, Err: ctx.Err()}
	}
}

func (r *Registry) attach(ctx context.Context, targetID string, gone <-chan struct{}) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-gone:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := cdp.Invoke[struct {
		SessionID string `json:"sessionId"`
	}](ctx, r.client, cdproto.CommandTargetAttachToTarget, map[string]any{
		"targetId": targetID,
		"flatten":  r.flatten,
	})

	destroyed := func() error {
		return &cdp.WrongWorldError{
			Method:  cdproto.CommandTargetAttachToTarget,
			Message: "target " + targetID + " was destroyed during attach",
		}
	}

	select {
	case <-gone:
		if err == nil {
			_ = r.client.SendAsync(context.Background(), cdproto.CommandTargetDetachFromTarget,
				map[string]string{"sessionId": res.SessionID})
		}
		return nil, destroyed()
	default:
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.targets[targetID]
	if !ok {
		return nil, destroyed()
	}
	if e.session == nil {
		e.session = &Session{ID: res.SessionID, TargetID: targetID}
		e.info.Attached = true
	}
	r.log.Debug().Str("target", targetID).Str("session", e.session.ID).Msg("attached")
	return e.session, nil
}

// Discover enables target discovery and seeds the registry with the targets
// that already exist. Page callbacks only fire for targets created later.
func (r *Registry) Discover(ctx context.Context) error {
	if _, err := r.client.Call(ctx, cdproto.CommandTargetSetDiscoverTargets, map[string]bool{"discover": true}); err != nil {
		return fmt.Errorf("enable target discovery: %w", err)
	}

	res, err := cdp.Invoke[struct {
		TargetInfos []Info `json:"targetInfos"`
	}](ctx, r.client, cdproto.CommandTargetGetTargets, nil)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	for _, info := range res.TargetInfos {
		if err := r.Add(info); err != nil && !errors.Is(err, ErrDuplicateTarget) {
			return err
		}
	}
	return nil
}

// Subscribe keeps the registry current from browser-level target events.
func (r *Registry) Subscribe() {
	r.client.On(cdproto.EventTargetTargetCreated, "", r.handleTargetCreated)
	r.client.On(cdproto.EventTargetTargetDestroyed, "", r.handleTargetDestroyed)
	r.client.On(cdproto.EventTargetTargetInfoChanged, "", r.handleTargetInfoChanged)
	r.client.On(cdproto.EventTargetDetachedFromTarget, "", r.handleDetachedFromTarget)
}

func (r *Registry) handleTargetCreated(evt cdp.Event) {
	var params struct {
		TargetInfo Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("malformed Target.targetCreated")
		return
	}
	info := params.TargetInfo

	if err := r.Add(info); err != nil {
		r.log.Debug().Str("target", info.TargetID).Msg("target already known")
		return
	}
	r.log.Debug().Str("target", info.TargetID).Str("type", info.Type).Str("url", info.URL).Msg("target created")

	if info.Type != TypePage {
		return
	}

	r.mu.RLock()
	callbacks := append([]PageFunc(nil), r.onPage...)
	r.mu.RUnlock()
	if len(callbacks) == 0 {
		return
	}

	// Page construction issues blocking commands; keep it off the
	// dispatch goroutine.
	t := Target{Info: info}
	r.workers.Go(func() {
		for _, fn := range callbacks {
			fn(r.ctx, t)
		}
	})
}

func (r *Registry) handleTargetDestroyed(evt cdp.Event) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("malformed Target.targetDestroyed")
		return
	}

	t, ok := r.remove(params.TargetID)
	if !ok {
		return
	}
	r.log.Debug().Str("target", params.TargetID).Msg("target destroyed")

	r.mu.RLock()
	callbacks := append([]GoneFunc(nil), r.onGone...)
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn(t)
	}
}

func (r *Registry) handleTargetInfoChanged(evt cdp.Event) {
	var params struct {
		TargetInfo Info `json:"targetInfo"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("malformed Target.targetInfoChanged")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.targets[params.TargetInfo.TargetID]; ok {
		attached := e.info.Attached
		e.info = params.TargetInfo
		e.info.Attached = attached
	}
}

func (r *Registry) handleDetachedFromTarget(evt cdp.Event) {
	var params struct {
		SessionID string `json:"sessionId"`
		TargetID  string `json:"targetId"`
	}
	if err := json.Unmarshal(evt.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("malformed Target.detachedFromTarget")
		return
	}

	r.mu.Lock()
	var (
		t        Target
		detached bool
	)
	for _, e := range r.targets {
		if e.session != nil && e.session.ID == params.SessionID {
			t = e.target()
			e.session = nil
			e.info.Attached = false
			detached = true
			break
		}
	}
	callbacks := append([]GoneFunc(nil), r.onDetach...)
	r.mu.Unlock()

	if !detached {
		return
	}
	r.client.ForgetSession(params.SessionID)
	r.log.Debug().Str("target", t.Info.TargetID).Str("session", params.SessionID).Msg("session detached")
	for _, fn := range callbacks {
		fn(t)
	}
}

// Close stops page construction workers and waits for them to return.
func (r *Registry) Close() {
	r.cancel()
	r.workers.Wait()
}

func (e *entry) target() Target {
	t := Target{Info: e.info}
	if e.session != nil {
		s := *e.session
		t.Session = &s
	}
	return t
}
