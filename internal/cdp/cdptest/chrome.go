package cdptest

import (
	"fmt"
	"strings"
	"sync"
)

// NewChrome returns a browser that reports the given page targets and
// answers page setup the way Chrome does. Attaching to a target yields
// session "S-<targetId>"; Runtime.enable reports a default execution
// context (7 for the first target, counting up in first-use order);
// Page.enable reports the main frame's navigation; Page.getFrameTree
// returns the main frame alone. Page.navigate emits the events of a
// cross-document navigation (started loading, context destroyed,
// navigated, new context, stopped loading) ahead of its response, with
// loader ids "L2", "L3", ... and the next free context id.
func NewChrome(pages ...string) *Browser {
	b := NewBrowser()

	var (
		mu       sync.Mutex
		contexts = make(map[string]int64)
		next     = int64(7)
		loaders  = 1
	)
	contextFor := func(targetID string) int64 {
		mu.Lock()
		defer mu.Unlock()
		id, ok := contexts[targetID]
		if !ok {
			id = next
			next++
			contexts[targetID] = id
		}
		return id
	}
	renew := func(targetID string) (old, cur int64, loaderID string) {
		mu.Lock()
		defer mu.Unlock()
		old = contexts[targetID]
		cur = next
		next++
		contexts[targetID] = cur
		loaders++
		return old, cur, fmt.Sprintf("L%d", loaders)
	}
	for _, id := range pages {
		contextFor(id)
	}

	infos := make([]map[string]any, 0, len(pages))
	for _, id := range pages {
		infos = append(infos, map[string]any{"targetId": id, "type": "page", "url": "about:blank"})
	}
	b.HandleResult("Target.getTargets", map[string]any{"targetInfos": infos})

	b.Handle("Target.attachToTarget", func(req Request) (any, error) {
		var p struct {
			TargetID string `json:"targetId"`
		}
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return map[string]string{"sessionId": "S-" + p.TargetID}, nil
	})
	b.Handle("Runtime.enable", func(req Request) (any, error) {
		targetID := TargetOf(req.SessionID)
		b.EmitSession(req.SessionID, "Runtime.executionContextCreated", map[string]any{
			"context": map[string]any{
				"id":      contextFor(targetID),
				"auxData": map[string]any{"isDefault": true, "frameId": targetID},
			},
		})
		return nil, nil
	})
	b.Handle("Page.enable", func(req Request) (any, error) {
		b.EmitSession(req.SessionID, "Page.frameNavigated", map[string]any{
			"frame": map[string]any{"id": TargetOf(req.SessionID), "loaderId": "L1", "url": "about:blank"},
		})
		return nil, nil
	})
	b.Handle("Page.navigate", func(req Request) (any, error) {
		var p struct {
			URL string `json:"url"`
		}
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		frameID := TargetOf(req.SessionID)
		old, cur, loaderID := renew(frameID)
		b.EmitSession(req.SessionID, "Page.frameStartedLoading", map[string]any{"frameId": frameID})
		b.EmitSession(req.SessionID, "Runtime.executionContextDestroyed", map[string]any{"executionContextId": old})
		b.EmitSession(req.SessionID, "Page.frameNavigated", map[string]any{
			"frame": map[string]any{"id": frameID, "loaderId": loaderID, "url": p.URL},
		})
		b.EmitSession(req.SessionID, "Runtime.executionContextCreated", map[string]any{
			"context": map[string]any{
				"id":      cur,
				"auxData": map[string]any{"isDefault": true, "frameId": frameID},
			},
		})
		b.EmitSession(req.SessionID, "Page.frameStoppedLoading", map[string]any{"frameId": frameID})
		return map[string]string{"frameId": frameID, "loaderId": loaderID}, nil
	})
	b.Handle("Page.getFrameTree", func(req Request) (any, error) {
		return map[string]any{
			"frameTree": map[string]any{
				"frame": map[string]any{"id": TargetOf(req.SessionID), "loaderId": "L1", "url": "about:blank"},
			},
		}, nil
	})
	return b
}

// TargetOf returns the target id behind a session id issued by NewChrome.
func TargetOf(sessionID string) string {
	return strings.TrimPrefix(sessionID, "S-")
}

// SessionMethods returns the methods issued on sessionID, in order.
func (b *Browser) SessionMethods(sessionID string) []string {
	var out []string
	for _, r := range b.Requests() {
		if r.SessionID == sessionID {
			out = append(out, r.Method)
		}
	}
	return out
}
