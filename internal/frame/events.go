package frame

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

// Subscriber registers session-scoped event handlers. *cdp.Session
// satisfies it.
type Subscriber interface {
	On(method string, handler cdp.Handler)
}

// Subscribe routes the page session's navigation and context events into
// the manager. It must run before Page and Runtime are enabled so no
// event is missed.
func (m *Manager) Subscribe(s Subscriber) {
	s.On(cdproto.EventPageFrameAttached, m.handleFrameAttached)
	s.On(cdproto.EventPageFrameDetached, m.handleFrameDetached)
	s.On(cdproto.EventPageFrameStartedLoading, m.handleFrameStartedLoading)
	s.On(cdproto.EventPageFrameStoppedLoading, m.handleFrameStoppedLoading)
	s.On(cdproto.EventPageFrameNavigated, m.handleFrameNavigated)
	s.On(cdproto.EventPageNavigatedWithinDocument, m.handleNavigatedWithinDocument)
	s.On(cdproto.EventRuntimeExecutionContextCreated, m.handleExecutionContextCreated)
	s.On(cdproto.EventRuntimeExecutionContextDestroyed, m.handleExecutionContextDestroyed)
	s.On(cdproto.EventRuntimeExecutionContextsCleared, m.handleExecutionContextsCleared)
}

type frameInfo struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	LoaderID string `json:"loaderId"`
	URL      string `json:"url"`
	Name     string `json:"name"`
}

type frameTree struct {
	Frame       frameInfo   `json:"frame"`
	ChildFrames []frameTree `json:"childFrames"`
}

// LoadTree seeds the manager with the frames that already exist in the
// page.
func (m *Manager) LoadTree(ctx context.Context) error {
	res, err := cdp.Invoke[struct {
		FrameTree frameTree `json:"frameTree"`
	}](ctx, m.caller, cdproto.CommandPageGetFrameTree, nil)
	if err != nil {
		return fmt.Errorf("get frame tree: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seed(res.FrameTree)
}

func (m *Manager) seed(t frameTree) error {
	f, err := m.add(t.Frame.ID, t.Frame.ParentID)
	if err != nil {
		return err
	}
	f.setNavigated(t.Frame.URL, t.Frame.Name, t.Frame.LoaderID)
	for _, child := range t.ChildFrames {
		if err := m.seed(child); err != nil {
			return err
		}
	}
	return nil
}

// decode unmarshals event params, logging malformed ones.
func (m *Manager) decode(evt cdp.Event, v any) bool {
	if err := json.Unmarshal(evt.Params, v); err != nil {
		m.log.Warn().Err(err).Str("method", evt.Method).Msg("malformed event")
		return false
	}
	return true
}

func (m *Manager) handleFrameAttached(evt cdp.Event) {
	var params struct {
		FrameID       string `json:"frameId"`
		ParentFrameID string `json:"parentFrameId"`
	}
	if !m.decode(evt, &params) {
		return
	}
	if _, err := m.Add(params.FrameID, params.ParentFrameID); err != nil {
		m.log.Warn().Err(err).Msg("ignoring frame")
	}
}

func (m *Manager) handleFrameDetached(evt cdp.Event) {
	var params struct {
		FrameID string `json:"frameId"`
	}
	if !m.decode(evt, &params) {
		return
	}
	m.Delete(params.FrameID)
}

func (m *Manager) handleFrameStartedLoading(evt cdp.Event) {
	var params struct {
		FrameID string `json:"frameId"`
	}
	if !m.decode(evt, &params) {
		return
	}
	if f, ok := m.Get(params.FrameID); ok {
		f.Loading(ExternalLoader)
		m.log.Debug().Str("frame", params.FrameID).Msg("frame started loading")
	}
}

func (m *Manager) handleFrameStoppedLoading(evt cdp.Event) {
	var params struct {
		FrameID string `json:"frameId"`
	}
	if !m.decode(evt, &params) {
		return
	}
	if f, ok := m.Get(params.FrameID); ok {
		f.Loaded()
		m.log.Debug().Str("frame", params.FrameID).Msg("frame stopped loading")
	}
}

func (m *Manager) handleFrameNavigated(evt cdp.Event) {
	var params struct {
		Frame frameInfo `json:"frame"`
	}
	if !m.decode(evt, &params) {
		return
	}
	info := params.Frame

	f, err := m.Add(info.ID, info.ParentID)
	if err != nil {
		m.log.Warn().Err(err).Msg("ignoring navigated frame")
		return
	}
	f.setNavigated(info.URL, info.Name, info.LoaderID)
	m.log.Debug().Str("frame", info.ID).Str("url", info.URL).Msg("frame navigated")
}

func (m *Manager) handleNavigatedWithinDocument(evt cdp.Event) {
	var params struct {
		FrameID string `json:"frameId"`
		URL     string `json:"url"`
	}
	if !m.decode(evt, &params) {
		return
	}
	if f, ok := m.Get(params.FrameID); ok {
		f.setURL(params.URL)
	}
}

func (m *Manager) handleExecutionContextCreated(evt cdp.Event) {
	var params struct {
		Context struct {
			ID      int64 `json:"id"`
			AuxData struct {
				IsDefault bool   `json:"isDefault"`
				FrameID   string `json:"frameId"`
			} `json:"auxData"`
		} `json:"context"`
	}
	if !m.decode(evt, &params) {
		return
	}
	ctx := params.Context
	if !ctx.AuxData.IsDefault || ctx.AuxData.FrameID == "" {
		return
	}
	if f, ok := m.Get(ctx.AuxData.FrameID); ok {
		f.SetContext(ctx.ID)
		m.log.Debug().Str("frame", f.ID()).Int64("context", ctx.ID).Msg("execution context bound")
	}
}

func (m *Manager) handleExecutionContextDestroyed(evt cdp.Event) {
	var params struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	if !m.decode(evt, &params) {
		return
	}
	for _, f := range m.Frames() {
		if f.ClearContext(params.ExecutionContextID) {
			m.log.Debug().Str("frame", f.ID()).Int64("context", params.ExecutionContextID).Msg("execution context destroyed")
		}
	}
}

func (m *Manager) handleExecutionContextsCleared(cdp.Event) {
	for _, f := range m.Frames() {
		f.clearAnyContext()
	}
}
