package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// fakeBrowser implements Conn. Every written request is recorded and,
// when respond is set, answered by queueing the frames it returns.
type fakeBrowser struct {
	mu       sync.Mutex
	frames   chan []byte
	written  []Request
	writeErr error
	closed   bool
	closeCh  chan struct{}
	failCh   chan error
	respond  func(req Request) []string
}

func newFakeBrowser(respond func(req Request) []string) *fakeBrowser {
	return &fakeBrowser{
		frames:  make(chan []byte, 1024),
		closeCh: make(chan struct{}),
		failCh:  make(chan error, 1),
		respond: respond,
	}
}

func (f *fakeBrowser) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case msg := <-f.frames:
		return websocket.MessageText, msg, nil
	case err := <-f.failCh:
		return 0, nil, err
	case <-f.closeCh:
		return 0, nil, errors.New("connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeBrowser) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New("connection closed")
	}
	if f.writeErr != nil {
		return f.writeErr
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	f.written = append(f.written, req)

	if f.respond != nil {
		for _, frame := range f.respond(req) {
			f.frames <- []byte(frame)
		}
	}
	return nil
}

func (f *fakeBrowser) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakeBrowser) push(frame string) {
	f.frames <- []byte(frame)
}

func (f *fakeBrowser) fail(err error) {
	f.failCh <- err
}

func (f *fakeBrowser) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.written))
	copy(out, f.written)
	return out
}

// reply answers req with body (the JSON members after the id). Wrapped
// session commands get an envelope ack followed by the inner response as
// a Target.receivedMessageFromTarget event.
func reply(req Request, body func(inner Request) string) []string {
	if req.Method != methodSendMessageToTarget {
		return []string{fmt.Sprintf(`{"id":%d,%s}`, req.ID, body(req))}
	}

	sessionID, inner := unwrapRequest(req)
	msg := fmt.Sprintf(`{"id":%d,%s}`, inner.ID, body(inner))
	return []string{
		fmt.Sprintf(`{"id":%d,"result":{}}`, req.ID),
		sessionFrame(sessionID, msg),
	}
}

func unwrapRequest(req Request) (string, Request) {
	params, _ := req.Params.(map[string]any)
	sessionID, _ := params["sessionId"].(string)
	message, _ := params["message"].(string)
	var inner Request
	_ = json.Unmarshal([]byte(message), &inner)
	return sessionID, inner
}

func sessionFrame(sessionID, msg string) string {
	params, _ := json.Marshal(receivedMessageParams{SessionID: sessionID, Message: msg})
	return fmt.Sprintf(`{"method":%q,"params":%s}`, eventReceivedMessageFromTarget, params)
}

func echo(result string) func(Request) []string {
	return func(req Request) []string {
		return reply(req, func(Request) string { return `"result":` + result })
	}
}

func fail(code int, message string) func(Request) []string {
	return func(req Request) []string {
		return reply(req, func(Request) string {
			return fmt.Sprintf(`"error":{"code":%d,"message":%q}`, code, message)
		})
	}
}

func newTestClient(t *testing.T, conn Conn, opts Options) *Client {
	t.Helper()
	opts.Logger = zerolog.Nop()
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 10 * time.Millisecond
	}
	c := NewClient(conn, opts)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClient_Call_CorrelatesResponseByID(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(echo(`{"frameId":"ABC123"}`))
	client := newTestClient(t, conn, Options{})

	result, err := client.Call(context.Background(), "Page.navigate", map[string]string{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"frameId":"ABC123"}` {
		t.Errorf("unexpected result %s", result)
	}

	written := conn.requests()
	if len(written) != 1 {
		t.Fatalf("expected 1 written message, got %d", len(written))
	}
	if written[0].ID != 1 {
		t.Errorf("expected request ID 1, got %d", written[0].ID)
	}
	if written[0].Method != "Page.navigate" {
		t.Errorf("expected method Page.navigate, got %s", written[0].Method)
	}
}

func TestClient_Call_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	t.Run("protocol error keeps code and message", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, newFakeBrowser(fail(-32602, "Invalid params")), Options{})

		_, err := client.Call(context.Background(), "Page.navigate", nil)
		var cdpErr *Error
		if !errors.As(err, &cdpErr) {
			t.Fatalf("expected *Error, got %T: %v", err, err)
		}
		if cdpErr.Code != -32602 || cdpErr.Message != "Invalid params" {
			t.Errorf("unexpected error %+v", cdpErr)
		}
		if errors.Is(err, ErrWrongWorld) {
			t.Error("generic protocol error must not be wrong world")
		}
	})

	t.Run("code -32000 is wrong world", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, newFakeBrowser(fail(-32000, "Cannot find context with specified id")), Options{})

		_, err := client.Call(context.Background(), "Runtime.evaluate", nil)
		if !errors.Is(err, ErrWrongWorld) {
			t.Fatalf("expected wrong world, got %T: %v", err, err)
		}
		var cdpErr *Error
		if errors.As(err, &cdpErr) {
			t.Error("wrong world must not surface as a generic protocol error")
		}
		if !IsRelocatable(err) {
			t.Error("wrong world should be relocatable")
		}
	})
}

func TestClient_CorrelationUnderInterleaving(t *testing.T) {
	t.Parallel()

	const n = 20

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	var (
		mu      sync.Mutex
		pending []*Pending
		wg      sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := client.Send(context.Background(), "Test.method", nil)
			if err != nil {
				t.Errorf("send: %v", err)
				return
			}
			mu.Lock()
			pending = append(pending, p)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Answer in reverse order of arrival.
	reqs := conn.requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		conn.push(fmt.Sprintf(`{"id":%d,"result":{"echo":%d}}`, reqs[i].ID, reqs[i].ID))
	}

	for _, p := range pending {
		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			raw, err := p.Result(context.Background())
			if err != nil {
				t.Errorf("result %d: %v", p.ID(), err)
				return
			}
			var got struct {
				Echo int64 `json:"echo"`
			}
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			if got.Echo != p.ID() {
				t.Errorf("command %d received response for %d", p.ID(), got.Echo)
			}
		}(p)
	}
	wg.Wait()

	if n := client.InFlight(); n != 0 {
		t.Errorf("expected empty in-flight table, got %d", n)
	}
}

func TestClient_SendToSession_RoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("inner result resolves the handle", func(t *testing.T) {
		t.Parallel()

		conn := newFakeBrowser(func(req Request) []string {
			return reply(req, func(inner Request) string {
				params, _ := json.Marshal(inner.Params)
				return `"result":` + string(params)
			})
		})
		client := newTestClient(t, conn, Options{})

		p, err := client.SendToSession(context.Background(), "S1", "Foo.bar", map[string]int{"x": 1})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		result, err := p.Result(context.Background())
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if string(result) != `{"x":1}` {
			t.Errorf("unexpected result %s", result)
		}

		written := conn.requests()
		if len(written) != 1 || written[0].Method != methodSendMessageToTarget {
			t.Fatalf("expected one envelope, got %+v", written)
		}
		sessionID, inner := unwrapRequest(written[0])
		if sessionID != "S1" || inner.Method != "Foo.bar" {
			t.Errorf("unexpected envelope session=%q inner=%+v", sessionID, inner)
		}
		if inner.ID == written[0].ID {
			t.Error("inner and outer ids must differ")
		}
		if inner.ID != p.ID() {
			t.Errorf("handle should correlate on inner id %d, got %d", inner.ID, p.ID())
		}
	})

	t.Run("inner -32000 is wrong world", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, newFakeBrowser(fail(-32000, "Execution context was destroyed")), Options{})

		_, err := client.CallSession(context.Background(), "S1", "Runtime.evaluate", nil)
		if !errors.Is(err, ErrWrongWorld) {
			t.Fatalf("expected wrong world, got %T: %v", err, err)
		}
	})

	t.Run("envelope failure fails the inner command", func(t *testing.T) {
		t.Parallel()

		conn := newFakeBrowser(func(req Request) []string {
			return []string{fmt.Sprintf(`{"id":%d,"error":{"code":-32602,"message":"No session with given id"}}`, req.ID)}
		})
		client := newTestClient(t, conn, Options{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := client.CallSession(ctx, "gone", "Page.enable", nil)
		var cdpErr *Error
		if !errors.As(err, &cdpErr) || cdpErr.Code != -32602 {
			t.Fatalf("expected envelope error, got %T: %v", err, err)
		}
		if n := client.InFlight(); n != 0 {
			t.Errorf("expected empty in-flight table, got %d", n)
		}
	})
}

func TestClient_FlattenedSessions(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(func(req Request) []string {
		return []string{fmt.Sprintf(`{"id":%d,"sessionId":%q,"result":{"ok":true}}`, req.ID, req.SessionID)}
	})
	client := newTestClient(t, conn, Options{Flatten: true})

	result, err := client.Session("S9").Call(context.Background(), "Page.enable", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result %s", result)
	}

	written := conn.requests()
	if written[0].Method != "Page.enable" || written[0].SessionID != "S9" {
		t.Errorf("expected flattened request, got %+v", written[0])
	}
}

func TestClient_FireAndForgetCleanup(t *testing.T) {
	t.Parallel()

	const n = 25

	conn := newFakeBrowser(echo(`{}`))
	client := newTestClient(t, conn, Options{SweepInterval: 10 * time.Millisecond})

	for i := 0; i < n; i++ {
		if err := client.SendAsync(context.Background(), "Page.bringToFront", nil); err != nil {
			t.Fatalf("send async: %v", err)
		}
	}
	if err := client.SendToSessionAsync(context.Background(), "S1", "Runtime.runIfWaitingForDebugger", nil); err != nil {
		t.Fatalf("send session async: %v", err)
	}

	waitFor(t, "in-flight table to drain", func() bool { return client.InFlight() == 0 })
}

func TestClient_SweepEvictsUnansweredAsyncAfterTTL(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newFakeBrowser(nil), Options{SweepInterval: time.Hour, AsyncTTL: time.Minute})

	if err := client.SendAsync(context.Background(), "Page.bringToFront", nil); err != nil {
		t.Fatalf("send async: %v", err)
	}
	if removed := client.sweep(time.Now()); removed != 0 {
		t.Errorf("unanswered command within TTL should stay, removed %d", removed)
	}
	if removed := client.sweep(time.Now().Add(2 * time.Minute)); removed != 1 {
		t.Errorf("expected expired command to be swept, removed %d", removed)
	}
	if n := client.InFlight(); n != 0 {
		t.Errorf("expected empty table, got %d", n)
	}
}

func TestClient_DeadConnectionFanOut(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	var handles []*Pending
	for i := 0; i < 3; i++ {
		p, err := client.Send(context.Background(), "Test.method", nil)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		handles = append(handles, p)
	}

	conn.fail(errors.New("read: connection reset by peer"))

	var wg sync.WaitGroup
	for _, p := range handles {
		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			_, err := p.Result(context.Background())
			if !errors.Is(err, ErrDeadClient) {
				t.Errorf("expected dead client, got %v", err)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding commands were not resolved")
	}

	select {
	case <-client.Dead():
	default:
		t.Error("expected dead channel to be closed")
	}
	if _, err := client.Send(context.Background(), "Test.method", nil); !IsFatal(err) {
		t.Errorf("send on dead client should fail with dead client, got %v", err)
	}
	if n := client.InFlight(); n != 0 {
		t.Errorf("expected empty table after death, got %d", n)
	}
}

func TestClient_WriteFailureKillsClient(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	conn.writeErr = errors.New("broken pipe")
	client := newTestClient(t, conn, Options{})

	_, err := client.Send(context.Background(), "Page.enable", nil)
	if !errors.Is(err, ErrDeadClient) {
		t.Fatalf("expected dead client, got %v", err)
	}
	if client.Err() == nil {
		t.Error("expected client error to be recorded")
	}
}

func TestClient_Result_Timeout(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(func(req Request) []string {
		if req.Method == "Slow.method" {
			return nil
		}
		return echo(`{"fast":true}`)(req)
	})
	client := newTestClient(t, conn, Options{})

	p, err := client.Send(context.Background(), "Slow.method", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Result(ctx)
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
	if n := client.InFlight(); n != 0 {
		t.Errorf("timed out command should release its slot, got %d", n)
	}

	// A late response must be dropped without disturbing later commands.
	conn.push(fmt.Sprintf(`{"id":%d,"result":{"late":true}}`, p.ID()))
	result, err := client.Call(context.Background(), "Fast.method", nil)
	if err != nil {
		t.Fatalf("call after late response: %v", err)
	}
	if string(result) != `{"fast":true}` {
		t.Errorf("unexpected result %s", result)
	}
}

func TestClient_DefaultTimeoutApplies(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, newFakeBrowser(nil), Options{Timeout: 30 * time.Millisecond})

	_, err := client.Call(context.Background(), "Page.navigate", nil)
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if timeoutErr.Op != "Page.navigate" {
		t.Errorf("unexpected op %q", timeoutErr.Op)
	}
}

func TestClient_On_DispatchesToHandler(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	received := make(chan Event, 1)
	client.On("Page.loadEventFired", "", func(e Event) {
		received <- e
	})
	conn.push(`{"method":"Page.loadEventFired","params":{"timestamp":123.456}}`)

	select {
	case e := <-received:
		if e.Method != "Page.loadEventFired" || e.SessionID != "" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestClient_On_SessionScoped(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	var mu sync.Mutex
	var got []string
	record := func(tag string) Handler {
		return func(e Event) {
			mu.Lock()
			got = append(got, tag+":"+e.SessionID)
			mu.Unlock()
		}
	}
	client.On("Page.frameNavigated", "", record("global"))
	client.On("Page.frameNavigated", "A", record("a"))
	client.Session("B").On("Page.frameNavigated", record("b"))

	conn.push(sessionFrame("A", `{"method":"Page.frameNavigated","params":{}}`))
	conn.push(sessionFrame("B", `{"method":"Page.frameNavigated","params":{}}`))
	conn.push(`{"method":"Page.frameNavigated","params":{}}`)

	waitFor(t, "three deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:A", "b:B", "global:"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

func TestClient_On_MultipleHandlersInOrder(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	order := make(chan int, 2)
	client.On("Network.requestWillBeSent", "", func(Event) { order <- 1 })
	client.On("Network.requestWillBeSent", "", func(Event) { order <- 2 })
	conn.push(`{"method":"Network.requestWillBeSent","params":{}}`)

	for want := 1; want <= 2; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("expected handler %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for handlers")
		}
	}
}

func TestClient_EventOrderPreserved(t *testing.T) {
	t.Parallel()

	const n = 200

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	seen := make(chan int, n)
	client.On("Test.tick", "", func(e Event) {
		var p struct {
			I int `json:"i"`
		}
		_ = json.Unmarshal(e.Params, &p)
		seen <- p.I
	})
	for i := 0; i < n; i++ {
		conn.push(fmt.Sprintf(`{"method":"Test.tick","params":{"i":%d}}`, i))
	}

	for want := 0; want < n; want++ {
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("expected event %d, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for event %d", want)
		}
	}
}

func TestClient_HandlerPanicIsolated(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	client := newTestClient(t, conn, Options{})

	after := make(chan struct{}, 2)
	client.On("Test.boom", "", func(Event) { panic("handler bug") })
	client.On("Test.boom", "", func(Event) { after <- struct{}{} })

	conn.push(`{"method":"Test.boom","params":{}}`)
	conn.push(`{"method":"Test.boom","params":{}}`)

	for i := 0; i < 2; i++ {
		select {
		case <-after:
		case <-time.After(time.Second):
			t.Fatal("dispatcher stopped after handler panic")
		}
	}
}

func TestClient_SlowHandlerDoesNotBlockResponses(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(echo(`{"ok":true}`))
	client := newTestClient(t, conn, Options{})

	release := make(chan struct{})
	entered := make(chan struct{})
	client.On("Test.slow", "", func(Event) {
		close(entered)
		<-release
	})
	conn.push(`{"method":"Test.slow","params":{}}`)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Call(ctx, "Browser.getVersion", nil)
	close(release)
	if err != nil {
		t.Fatalf("response blocked behind slow handler: %v", err)
	}
}

func TestClient_ReadLoop_SkipsMalformedAndUnknown(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(func(req Request) []string {
		return []string{
			`not json`,
			`{"foo":"bar"}`,
			`{"id":9999,"result":{}}`,
			sessionFrame("S1", `garbage`),
			fmt.Sprintf(`{"id":%d,"result":{"success":true}}`, req.ID),
		}
	})
	client := newTestClient(t, conn, Options{})

	result, err := client.Call(context.Background(), "Test.method", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"success":true}` {
		t.Errorf("expected success result, got %s", result)
	}
}

func TestClient_Close_CleansUpResources(t *testing.T) {
	t.Parallel()

	conn := newFakeBrowser(nil)
	client := NewClient(conn, Options{Logger: zerolog.Nop()})

	p, err := client.Send(context.Background(), "Page.navigate", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("expected connection to be closed")
	}

	if _, err := p.Result(context.Background()); !errors.Is(err, ErrDeadClient) {
		t.Errorf("outstanding command should fail with dead client, got %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("double close returned error: %v", err)
	}
	if err := client.SendAsync(context.Background(), "Page.enable", nil); !errors.Is(err, ErrDeadClient) {
		t.Errorf("send after close should fail, got %v", err)
	}
}
