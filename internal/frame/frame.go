// Package frame tracks the frame tree of one page and the navigation and
// execution-context state of each frame.
package frame

import "sync"

// ExternalLoader is recorded as the loader id when a frame starts loading
// before the browser has told us which navigation it is.
const ExternalLoader = "<external>"

// State is the lifecycle state of a Frame.
type State int

const (
	StateLoaded State = iota
	StateLoading
	StateObsolete
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateLoading:
		return "loading"
	case StateObsolete:
		return "obsolete"
	default:
		return "unknown"
	}
}

// Frame is one browsing context in a page. Its identity and parent never
// change; everything else is guarded by mu.
type Frame struct {
	id       string
	parentID string

	mu           sync.RWMutex
	contextID    int64
	loaderID     string
	prevLoaderID string
	obsolete     bool
	url          string
	name         string
}

func newFrame(id, parentID string) *Frame {
	return &Frame{id: id, parentID: parentID}
}

// ID returns the frame id.
func (f *Frame) ID() string { return f.id }

// ParentID returns the parent frame id, empty for the main frame.
func (f *Frame) ParentID() string { return f.parentID }

// Loading moves the frame to the loading state. An empty loaderID records
// ExternalLoader, which never replaces a loader id already known.
func (f *Frame) Loading(loaderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if loaderID == "" || loaderID == ExternalLoader {
		if f.loaderID == "" {
			f.loaderID = ExternalLoader
		}
		return
	}
	f.loaderID = loaderID
}

// Expect marks the frame as loading the navigation loaderID that the
// caller started. The browser's events for it may already have been
// handled: a navigation that already finished leaves the frame alone and
// Expect returns false.
func (f *Frame) Expect(loaderID string) bool {
	if loaderID == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished(loaderID) {
		return false
	}
	f.loaderID = loaderID
	return true
}

// Loaded clears the loader id and remembers it as the previous one.
func (f *Frame) Loaded() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaderID != "" {
		f.prevLoaderID = f.loaderID
		f.loaderID = ""
	}
}

// finished reports whether loaderID is the navigation that last finished
// in this frame.
func (f *Frame) finished(loaderID string) bool {
	return loaderID != "" && loaderID == f.prevLoaderID
}

// SetContext binds the frame's default execution context.
func (f *Frame) SetContext(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contextID = id
}

// ClearContext unbinds the execution context if it is id.
func (f *Frame) ClearContext(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contextID == 0 || f.contextID != id {
		return false
	}
	f.contextID = 0
	return true
}

func (f *Frame) clearAnyContext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contextID = 0
}

// ContextID returns the bound execution context id.
func (f *Frame) ContextID() (int64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.contextID, f.contextID != 0
}

// LoaderID returns the id of the navigation in progress, if any.
func (f *Frame) LoaderID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.loaderID
}

// PreviousLoaderID returns the loader id of the last finished navigation.
func (f *Frame) PreviousLoaderID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.prevLoaderID
}

// State returns the lifecycle state.
func (f *Frame) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch {
	case f.obsolete:
		return StateObsolete
	case f.loaderID != "":
		return StateLoading
	default:
		return StateLoaded
	}
}

// Usable reports whether scripts can run in the frame: a context is bound
// and no navigation is in progress.
func (f *Frame) Usable() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.contextID != 0 && f.loaderID == ""
}

// URL returns the last committed URL.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// Name returns the frame's name attribute.
func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

func (f *Frame) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

func (f *Frame) setNavigated(url, name, loaderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
	f.name = name
	if f.loaderID == ExternalLoader && loaderID != "" {
		f.loaderID = loaderID
	}
}

func (f *Frame) markObsolete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obsolete = true
}
