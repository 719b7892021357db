package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
	"github.com/grantcarthew/cdpdriver/internal/cdp/cdptest"
	"github.com/grantcarthew/cdpdriver/internal/config"
	"github.com/grantcarthew/cdpdriver/internal/driver"
)

func init() {
	// Disable colors in tests to avoid ANSI codes in output assertions
	color.NoColor = true
}

// useChrome replaces openSession with one that connects to b and records
// the configuration each command resolved.
func useChrome(t *testing.T, b *cdptest.Browser) *config.Config {
	t.Helper()
	var seen config.Config
	old := openSession
	openSession = func(ctx context.Context, cfg config.Config, log zerolog.Logger) (*session, error) {
		seen = cfg
		opts := driverOptions(cfg, zerolog.Nop(), nil)
		opts.FramePollInterval = 5 * time.Millisecond
		opts.Dial = func(context.Context, string) (cdp.Conn, error) { return b, nil }
		d, err := driver.Connect(ctx, "ws://browser", opts)
		if err != nil {
			return nil, err
		}
		return &session{driver: d, log: log}, nil
	}
	t.Cleanup(func() { openSession = old })
	return &seen
}

func resetFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

// run executes the root command with args and returns what it wrote.
func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	resetFlags(rootCmd.PersistentFlags())
	for _, c := range rootCmd.Commands() {
		resetFlags(c.Flags())
	}

	var out, errOut bytes.Buffer
	oldOut, oldErr := stdout, stderr
	stdout, stderr = &out, &errOut
	t.Cleanup(func() { stdout, stderr = oldOut, oldErr })

	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestTargets(t *testing.T) {
	useChrome(t, cdptest.NewChrome("T1", "T2"))

	out, _, err := run(t, "targets")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "* T1") || !strings.Contains(lines[0], "page") {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "  T2") {
		t.Errorf("unexpected second line %q", lines[1])
	}
}

func TestTargets_JSON(t *testing.T) {
	useChrome(t, cdptest.NewChrome("T1", "T2"))

	out, _, err := run(t, "targets", "--json")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	var resp struct {
		OK   bool          `json:"ok"`
		Data []targetEntry `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if !resp.OK || len(resp.Data) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Data[0].ID != "T1" || !resp.Data[0].Current || resp.Data[1].Current {
		t.Errorf("unexpected entries %+v", resp.Data)
	}
}

func TestEval(t *testing.T) {
	b := cdptest.NewChrome("T1")
	b.Handle("Runtime.evaluate", func(req cdptest.Request) (any, error) {
		var p struct {
			Expression string `json:"expression"`
		}
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		if p.Expression == "6 * 7" {
			return map[string]any{"result": map[string]any{"type": "number", "value": 42}}, nil
		}
		return map[string]any{
			"result": map[string]any{"type": "object", "subtype": "error"},
			"exceptionDetails": map[string]any{
				"text":      "Uncaught",
				"exception": map[string]any{"type": "object", "subtype": "error", "className": "ReferenceError", "description": "ReferenceError: nope is not defined"},
			},
		}, nil
	})
	useChrome(t, b)

	t.Run("value", func(t *testing.T) {
		out, _, err := run(t, "eval", "6", "*", "7")
		if err != nil {
			t.Fatalf("eval: %v", err)
		}
		if strings.TrimSpace(out) != `{"ok":true,"value":42}` {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("exception", func(t *testing.T) {
		out, errOut, err := run(t, "eval", "nope")
		if !IsPrintedError(err) {
			t.Fatalf("expected printed error, got %v", err)
		}
		if out != "" {
			t.Errorf("unexpected stdout %q", out)
		}
		if !strings.HasPrefix(errOut, "Error: ") || !strings.Contains(errOut, "nope is not defined") {
			t.Errorf("unexpected stderr %q", errOut)
		}
	})
}

func TestNavigate(t *testing.T) {
	useChrome(t, cdptest.NewChrome("T1"))

	out, _, err := run(t, "navigate", "https://example.com")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if strings.TrimSpace(out) != "OK" {
		t.Errorf("expected OK, got %q", out)
	}

	out, _, err = run(t, "navigate", "https://example.com/next", "--json")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	var resp struct {
		OK   bool              `json:"ok"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if !resp.OK || resp.Data["url"] != "https://example.com/next" || resp.Data["frame"] != "T1" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestVersion(t *testing.T) {
	b := cdptest.NewChrome("T1")
	b.HandleResult("Browser.getVersion", map[string]string{
		"protocolVersion": "1.3",
		"product":         "HeadlessChrome/131.0.0.0",
	})
	useChrome(t, b)

	out, _, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "HeadlessChrome/131.0.0.0 (protocol 1.3)" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestConfigPrecedence(t *testing.T) {
	seen := useChrome(t, cdptest.NewChrome("T1"))

	path := filepath.Join(t.TempDir(), "config.toml")
	content := "port = 9333\nload_timeout = \"5s\"\nlog_level = \"warn\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, _, err := run(t, "targets", "--config", path, "--port", "9444", "--debug"); err != nil {
		t.Fatalf("targets: %v", err)
	}
	if seen.Port != 9444 {
		t.Errorf("flag should win over file, got port %d", seen.Port)
	}
	if seen.LoadTimeout != 5*time.Second {
		t.Errorf("file should win over default, got %v", seen.LoadTimeout)
	}
	if seen.LogLevel != "debug" {
		t.Errorf("--debug should force debug level, got %q", seen.LogLevel)
	}
	if seen.CommandTimeout != config.Default().CommandTimeout {
		t.Errorf("unexpected command timeout %v", seen.CommandTimeout)
	}
}

func TestMissingConfigFile(t *testing.T) {
	useChrome(t, cdptest.NewChrome("T1"))

	_, errOut, err := run(t, "targets", "--config", filepath.Join(t.TempDir(), "missing.toml"), "--json")
	if !IsPrintedError(err) {
		t.Fatalf("expected printed error, got %v", err)
	}
	var resp map[string]any
	if err := json.Unmarshal([]byte(errOut), &resp); err != nil {
		t.Fatalf("invalid JSON %q: %v", errOut, err)
	}
	if resp["ok"] != false || !strings.Contains(resp["error"].(string), "not found") {
		t.Errorf("unexpected error response %v", resp)
	}
}

func TestConnectAndLaunchFlagsExclusive(t *testing.T) {
	useChrome(t, cdptest.NewChrome("T1"))

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--ws-url", "ws://127.0.0.1:9222/devtools/browser/x", "--chrome", "/usr/bin/chromium"}, "--chrome and --ws-url cannot be used together"},
		{[]string{"--ws-url", "ws://127.0.0.1:9222/devtools/browser/x", "--headless=false"}, "--headless and --ws-url cannot be used together"},
		{[]string{"--port", "9333", "--ws-url", "ws://127.0.0.1:9222/devtools/browser/x"}, "--port and --ws-url cannot be used together"},
	}
	for _, tt := range tests {
		_, _, err := run(t, append([]string{"targets"}, tt.args...)...)
		if err == nil || IsPrintedError(err) {
			t.Fatalf("%v: expected an unprinted flag error, got %v", tt.args, err)
		}

		var errOut bytes.Buffer
		old := stderr
		stderr = &errOut
		ReportError(err)
		stderr = old
		if got := strings.TrimSpace(errOut.String()); got != "Error: "+tt.want {
			t.Errorf("%v: got %q, want %q", tt.args, got, "Error: "+tt.want)
		}
	}
}

func TestReportError_SkipsPrinted(t *testing.T) {
	var errOut bytes.Buffer
	old := stderr
	stderr = &errOut
	t.Cleanup(func() { stderr = old })

	err := outputError("no page")
	errOut.Reset()
	ReportError(err)
	if errOut.Len() != 0 {
		t.Errorf("printed error reported twice: %q", errOut.String())
	}
}

func TestTryExpandCommand(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"tar", "targets"},
		{"ev", "eval"},
		{"n", "navigate"},
		{"ver", "version"},
		{"eval", ""},
		{"x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			if got := tryExpandCommand(tt.prefix); got != tt.want {
				t.Errorf("tryExpandCommand(%q) = %q, want %q", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"targets": false, "eval": false, "navigate": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %s not registered", name)
		}
	}
}
