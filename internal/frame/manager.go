package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/rs/zerolog"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

// DefaultPollInterval is how often waits re-check frame state.
const DefaultPollInterval = 20 * time.Millisecond

// ErrFrameCycle is returned by Add when the parent link would form a cycle.
var ErrFrameCycle = errors.New("frame parent link forms a cycle")

// Options configures a Manager.
type Options struct {
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Manager owns the frame tree of one page session. The main frame's id is
// the target id.
type Manager struct {
	caller   cdp.Caller
	log      zerolog.Logger
	interval time.Duration
	mainID   string

	mu     sync.Mutex
	frames map[string]*Frame
	stack  []string // pushed frames, innermost last
	jsErr  error
}

// NewManager creates a manager whose tree holds only the main frame.
// caller addresses the page session.
func NewManager(mainID string, caller cdp.Caller, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Manager{
		caller:   caller,
		log:      opts.Logger.With().Str("component", "frames").Str("page", mainID).Logger(),
		interval: opts.PollInterval,
		mainID:   mainID,
		frames:   map[string]*Frame{mainID: newFrame(mainID, "")},
	}
}

// Add returns the frame with id, creating it under parentID if needed.
func (m *Manager) Add(id, parentID string) (*Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.add(id, parentID)
}

func (m *Manager) add(id, parentID string) (*Frame, error) {
	if f, ok := m.frames[id]; ok {
		return f, nil
	}
	for p := parentID; p != ""; {
		if p == id {
			return nil, fmt.Errorf("%w: %s under %s", ErrFrameCycle, id, parentID)
		}
		parent, ok := m.frames[p]
		if !ok {
			break
		}
		p = parent.parentID
	}

	f := newFrame(id, parentID)
	m.frames[id] = f
	m.log.Debug().Str("frame", id).Str("parent", parentID).Msg("frame added")
	return f, nil
}

// Get returns the frame with id.
func (m *Manager) Get(id string) (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	return f, ok
}

// Main returns the main frame.
func (m *Manager) Main() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.main()
}

func (m *Manager) main() *Frame {
	f, ok := m.frames[m.mainID]
	if !ok {
		f = newFrame(m.mainID, "")
		m.frames[m.mainID] = f
	}
	return f
}

// Frames returns every tracked frame, obsolete ones included.
func (m *Manager) Frames() []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		out = append(out, f)
	}
	return out
}

// Current returns the frame subsequent evaluations run in: the innermost
// pushed frame, or the main frame.
func (m *Manager) Current() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current()
}

func (m *Manager) current() *Frame {
	if n := len(m.stack); n > 0 {
		if f, ok := m.frames[m.stack[n-1]]; ok {
			return f
		}
	}
	return m.main()
}

// onStack reports whether id is referenced by the current-frame stack.
// The main frame is always referenced.
func (m *Manager) onStack(id string) bool {
	if id == m.mainID {
		return true
	}
	for _, s := range m.stack {
		if s == id {
			return true
		}
	}
	return false
}

// Delete removes a frame and its descendants. A frame still referenced by
// the current-frame stack is marked obsolete instead and stays queryable
// until a pop or sweep releases it.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delete(id)
}

func (m *Manager) delete(id string) {
	f, ok := m.frames[id]
	if !ok {
		return
	}
	for _, child := range m.frames {
		if child.parentID == id && child.id != id {
			m.delete(child.id)
		}
	}

	if m.onStack(id) {
		f.markObsolete()
		m.log.Debug().Str("frame", id).Msg("current frame deleted, marked obsolete")
		return
	}
	delete(m.frames, id)
	m.log.Debug().Str("frame", id).Msg("frame removed")
}

// PushFrame makes id the current frame once it exists and is not loading.
// It fails with a TimeoutError if that does not happen within timeout.
func (m *Manager) PushFrame(ctx context.Context, id string, timeout time.Duration) error {
	err := m.poll(ctx, timeout, "frame "+id+" to be ready", func() (bool, error) {
		f, ok := m.Get(id)
		if !ok {
			return false, nil
		}
		switch f.State() {
		case StateObsolete:
			return false, &cdp.FrameNotFoundError{Frame: id}
		case StateLoading:
			return false, nil
		default:
			return true, nil
		}
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.stack = append(m.stack, id)
	m.mu.Unlock()
	m.log.Debug().Str("frame", id).Msg("switched into frame")
	return nil
}

// PushFrameElement resolves an iframe element reference to the frame it
// hosts and pushes that frame.
func (m *Manager) PushFrameElement(ctx context.Context, objectID string, timeout time.Duration) error {
	res, err := cdp.Invoke[struct {
		Node struct {
			FrameID string `json:"frameId"`
		} `json:"node"`
	}](ctx, m.caller, cdproto.CommandDOMDescribeNode, map[string]string{"objectId": objectID})
	if err != nil {
		return fmt.Errorf("describe frame element: %w", err)
	}
	if res.Node.FrameID == "" {
		return &cdp.FrameNotFoundError{Frame: objectID}
	}
	return m.PushFrame(ctx, res.Node.FrameID, timeout)
}

// PopFrame leaves the innermost pushed frame, or every pushed frame when
// toTop is set, then sweeps obsolete frames no longer referenced.
func (m *Manager) PopFrame(toTop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case toTop:
		m.stack = nil
	case len(m.stack) > 0:
		m.stack = m.stack[:len(m.stack)-1]
	}
	m.sweep()
}

// Sweep removes obsolete frames that are no longer referenced and reports
// how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweep()
}

func (m *Manager) sweep() int {
	removed := 0
	for id, f := range m.frames {
		if id == m.mainID || m.onStack(id) {
			continue
		}
		if f.State() == StateObsolete {
			delete(m.frames, id)
			removed++
		}
	}
	return removed
}

// SetJSError records a page error that waits should report.
func (m *Manager) SetJSError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jsErr = err
}

// TakeJSError returns and clears the recorded page error.
func (m *Manager) TakeJSError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.jsErr
	m.jsErr = nil
	return err
}

// WaitUntilUsable waits until the current frame is usable. It returns
// early with a recorded page error, or with the frame if it went obsolete
// and allowObsolete is set. Otherwise it fails with a TimeoutError after
// timeout.
func (m *Manager) WaitUntilUsable(ctx context.Context, timeout time.Duration, allowObsolete bool) (*Frame, error) {
	var f *Frame
	err := m.poll(ctx, timeout, "frame to become usable", func() (bool, error) {
		if err := m.TakeJSError(); err != nil {
			return false, err
		}
		f = m.Current()
		if allowObsolete && f.State() == StateObsolete {
			return true, nil
		}
		return f.Usable(), nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// poll calls check until it reports done or fails, re-checking every poll
// interval. A zero timeout waits as long as ctx allows.
func (m *Manager) poll(ctx context.Context, timeout time.Duration, what string, check func() (bool, error)) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			return cdp.NewTimeoutError(what, timeout)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &cdp.TimeoutError{Op: what, Err: ctx.Err()}
			}
			return fmt.Errorf("%s: %w", what, ctx.Err())
		}
	}
}
