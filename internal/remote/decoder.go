package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/chromedp/cdproto"
	"github.com/rs/zerolog"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

// CyclicMarker replaces a value that refers back to one of its ancestors.
const CyclicMarker = "(cyclic structure)"

// stableIDProperty is the internal property Chrome uses to expose an
// object's identity through Runtime.getProperties.
const stableIDProperty = "[[StableObjectId]]"

// identityFunction assigns page-side ids to objects for browsers that do not
// report a stable object id.
const identityFunction = `function() {
	const key = Symbol.for("cdpdriver.objectIds");
	const ids = globalThis[key] || (globalThis[key] = { map: new WeakMap(), next: 1 });
	let id = ids.map.get(this);
	if (id === undefined) {
		id = ids.next++;
		ids.map.set(this, id);
	}
	return id;
}`

// asyncCaller is implemented by callers that can issue fire-and-forget
// commands, such as *cdp.Session.
type asyncCaller interface {
	SendAsync(ctx context.Context, method string, params any) error
}

// Decoder converts remote objects into Go values by walking their
// property listings.
//
// Scalars decode to their JSON value (numbers are float64), arrays to
// []any, plain objects to map[string]any. DOM nodes, windows and objects
// of any other class are returned as the Object reference itself.
// undefined, null and functions decode to nil; NaN, Infinity, -0 and
// bigints decode to their string form.
type Decoder struct {
	caller cdp.Caller
	log    zerolog.Logger
}

// NewDecoder returns a decoder that issues Runtime commands through caller.
func NewDecoder(caller cdp.Caller, logger zerolog.Logger) *Decoder {
	return &Decoder{
		caller: caller,
		log:    logger.With().Str("component", "decoder").Logger(),
	}
}

// Decode converts obj into a Go value. An object that contains itself,
// directly or through descendants, has the back reference replaced by
// CyclicMarker. An object reached twice through different branches is
// fetched once and shared.
func (d *Decoder) Decode(ctx context.Context, obj Object) (any, error) {
	w := &walk{
		d:      d,
		onPath: make(map[string]bool),
		done:   make(map[string]any),
	}
	return w.value(ctx, obj)
}

// walk holds the identity bookkeeping of one Decode call.
type walk struct {
	d *Decoder

	// onPath holds the identities of the objects being decoded above the
	// current one; meeting one again is a cycle.
	onPath map[string]bool

	// done maps identities of fully decoded objects to their results.
	done map[string]any
}

func (w *walk) value(ctx context.Context, obj Object) (any, error) {
	switch obj.Type {
	case "undefined", "function":
		return nil, nil
	case "object":
	default:
		return scalar(obj)
	}

	switch {
	case obj.Subtype == "null":
		return nil, nil
	case obj.ObjectID == "":
		// Returned by value.
		return scalar(obj)
	case obj.Subtype == "node":
		return obj, nil
	case obj.Subtype == "array":
		return w.container(ctx, obj, true)
	case obj.ClassName == "Object" && obj.Subtype == "":
		return w.container(ctx, obj, false)
	default:
		return obj, nil
	}
}

func scalar(obj Object) (any, error) {
	if obj.UnserializableValue != "" {
		return obj.UnserializableValue, nil
	}
	if len(obj.Value) == 0 {
		if obj.Type == "symbol" {
			return obj.Description, nil
		}
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(obj.Value, &v); err != nil {
		return nil, &cdp.BrowserError{
			Name:    "MalformedResult",
			Message: fmt.Sprintf("%s value: %v", obj.Type, err),
			Err:     err,
		}
	}
	return v, nil
}

type propertyDescriptor struct {
	Name       string  `json:"name"`
	Value      *Object `json:"value,omitempty"`
	Enumerable bool    `json:"enumerable"`
	IsOwn      bool    `json:"isOwn"`
}

type internalProperty struct {
	Name  string  `json:"name"`
	Value *Object `json:"value,omitempty"`
}

type properties struct {
	Result             []propertyDescriptor `json:"result"`
	InternalProperties []internalProperty   `json:"internalProperties"`
	ExceptionDetails   *ExceptionDetails    `json:"exceptionDetails,omitempty"`
}

func (w *walk) container(ctx context.Context, obj Object, array bool) (any, error) {
	props, err := cdp.Invoke[properties](ctx, w.d.caller, cdproto.CommandRuntimeGetProperties, map[string]any{
		"objectId":      obj.ObjectID,
		"ownProperties": true,
	})
	if err != nil {
		return nil, err
	}
	if props.ExceptionDetails != nil {
		return nil, ExceptionError(props.ExceptionDetails)
	}
	defer w.d.release(ctx, obj.ObjectID)

	id, err := w.d.identity(ctx, obj.ObjectID, props.InternalProperties)
	if err != nil {
		return nil, err
	}
	if w.onPath[id] {
		return CyclicMarker, nil
	}
	if v, ok := w.done[id]; ok {
		return v, nil
	}

	w.onPath[id] = true
	defer delete(w.onPath, id)

	var result any
	if array {
		result, err = w.elements(ctx, props.Result)
	} else {
		result, err = w.fields(ctx, props.Result)
	}
	if err != nil {
		return nil, err
	}
	w.done[id] = result
	return result, nil
}

// decodable reports whether a property contributes to the decoded value.
func decodable(p propertyDescriptor) bool {
	return p.Enumerable && p.Name != "__proto__" && p.Value != nil
}

func (w *walk) fields(ctx context.Context, props []propertyDescriptor) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for _, p := range props {
		if !decodable(p) {
			continue
		}
		v, err := w.value(ctx, *p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", p.Name, err)
		}
		out[p.Name] = v
	}
	return out, nil
}

func (w *walk) elements(ctx context.Context, props []propertyDescriptor) ([]any, error) {
	type element struct {
		index int
		value Object
	}
	var elems []element
	for _, p := range props {
		if !decodable(p) {
			continue
		}
		i, err := strconv.Atoi(p.Name)
		if err != nil || i < 0 {
			continue
		}
		elems = append(elems, element{index: i, value: *p.Value})
	}
	sort.Slice(elems, func(a, b int) bool { return elems[a].index < elems[b].index })

	out := make([]any, 0, len(elems))
	for _, e := range elems {
		v, err := w.value(ctx, e.value)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", e.index, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// identity returns the stable id of the object behind objectID, asking the
// page for one when the browser reports none.
func (d *Decoder) identity(ctx context.Context, objectID string, internal []internalProperty) (string, error) {
	for _, p := range internal {
		if p.Name == stableIDProperty && p.Value != nil && len(p.Value.Value) > 0 {
			return "s:" + string(p.Value.Value), nil
		}
	}

	res, err := cdp.Invoke[struct {
		Result           Object            `json:"result"`
		ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
	}](ctx, d.caller, cdproto.CommandRuntimeCallFunctionOn, map[string]any{
		"objectId":            objectID,
		"functionDeclaration": identityFunction,
		"returnByValue":       true,
	})
	if err != nil {
		return "", fmt.Errorf("object identity: %w", err)
	}
	if res.ExceptionDetails != nil {
		return "", ExceptionError(res.ExceptionDetails)
	}
	return "p:" + string(res.Result.Value), nil
}

// release frees the remote reference. Failures only cost browser memory.
func (d *Decoder) release(ctx context.Context, objectID string) {
	params := map[string]string{"objectId": objectID}
	if a, ok := d.caller.(asyncCaller); ok {
		if err := a.SendAsync(ctx, cdproto.CommandRuntimeReleaseObject, params); err != nil {
			d.log.Debug().Err(err).Str("object", objectID).Msg("release failed")
		}
		return
	}
	if _, err := d.caller.Call(ctx, cdproto.CommandRuntimeReleaseObject, params); err != nil {
		d.log.Debug().Err(err).Str("object", objectID).Msg("release failed")
	}
}
