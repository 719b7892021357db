package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/grantcarthew/cdpdriver/internal/config"
)

// Version is set at build time.
var Version = "dev"

// Debug enables debug logging.
var Debug bool

// JSONOutput enables JSON output format (default is text).
var JSONOutput bool

// NoColor disables color output.
var NoColor bool

// configPath is the --config flag.
var configPath string

// flagConfig receives the values of config flags. Only flags set on the
// command line are taken from it; see loadConfig.
var flagConfig = config.Default()

// Output streams, replaced in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:           "cdpdriver",
	Short:         "Drive Chrome over the DevTools Protocol",
	Long:          "cdpdriver connects to Chrome (launching it when no --ws-url is given), attaches to its pages and runs one command against the current page.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolVar(&Debug, "debug", false, "Enable debug logging")
	pf.BoolVar(&JSONOutput, "json", false, "Output in JSON format (default is text)")
	pf.BoolVar(&NoColor, "no-color", false, "Disable color output")
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.cdpdriver/config.toml)")

	pf.StringVar(&flagConfig.WSURL, config.FlagWSURL, flagConfig.WSURL, "Browser WebSocket URL; launches Chrome when empty")
	pf.BoolVar(&flagConfig.Headless, config.FlagHeadless, flagConfig.Headless, "Launch Chrome headless")
	pf.IntVar(&flagConfig.Port, config.FlagPort, flagConfig.Port, "Remote debugging port for a launched Chrome")
	pf.StringVar(&flagConfig.ChromePath, config.FlagChrome, flagConfig.ChromePath, "Chrome binary to launch")
	pf.StringVar(&flagConfig.UserDataDir, config.FlagUserDataDir, flagConfig.UserDataDir, "Profile directory for a launched Chrome")
	pf.DurationVar(&flagConfig.CommandTimeout, config.FlagTimeout, flagConfig.CommandTimeout, "Per-command timeout (0 waits indefinitely)")
	pf.DurationVar(&flagConfig.WriteTimeout, config.FlagWriteTimeout, flagConfig.WriteTimeout, "WebSocket write timeout")
	pf.DurationVar(&flagConfig.SweepInterval, config.FlagSweepInterval, flagConfig.SweepInterval, "Interval between in-flight table sweeps")
	pf.DurationVar(&flagConfig.AsyncTTL, config.FlagAsyncTTL, flagConfig.AsyncTTL, "Lifetime of unanswered fire-and-forget commands")
	pf.DurationVar(&flagConfig.LoadTimeout, config.FlagLoadTimeout, flagConfig.LoadTimeout, "How long to wait for a frame to become usable")
	pf.DurationVar(&flagConfig.FramePollInterval, config.FlagPollInterval, flagConfig.FramePollInterval, "Frame state poll interval")
	pf.BoolVar(&flagConfig.RaiseJSErrors, config.FlagRaiseJSErrors, flagConfig.RaiseJSErrors, "Fail waits with uncaught page exceptions")
	pf.BoolVar(&flagConfig.FlattenSessions, config.FlagFlatten, flagConfig.FlattenSessions, "Use flattened session routing")
	pf.StringVar(&flagConfig.LogLevel, config.FlagLogLevel, flagConfig.LogLevel, "Log level (debug, info, warn, error)")
	pf.StringVar(&flagConfig.MetricsAddr, config.FlagMetricsAddr, flagConfig.MetricsAddr, "Serve Prometheus metrics on this address")
	pf.IntVar(&flagConfig.ErrorBufferSize, config.FlagErrorBufferSize, flagConfig.ErrorBufferSize, "Page errors kept per page")

	// A browser URL means connecting, not launching.
	for _, launch := range []string{config.FlagChrome, config.FlagHeadless, config.FlagPort, config.FlagUserDataDir} {
		rootCmd.MarkFlagsMutuallyExclusive(config.FlagWSURL, launch)
	}

	rootCmd.SetVersionTemplate(`cdpdriver version {{.Version}}
`)
}

// Execute runs the root command until it finishes or the process is
// interrupted. Supports command abbreviation via unique prefix matching.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) > 0 {
		if expanded := tryExpandCommand(args[0]); expanded != "" {
			args[0] = expanded
			rootCmd.SetArgs(args)
		}
	}
	return rootCmd.ExecuteContext(ctx)
}

// tryExpandCommand returns the command name prefix abbreviates, or ""
// when prefix is a full name or ambiguous.
func tryExpandCommand(prefix string) string {
	var matches []string
	for _, cmd := range rootCmd.Commands() {
		name := cmd.Name()
		if name == prefix {
			return ""
		}
		if len(prefix) < len(name) && name[:len(prefix)] == prefix {
			matches = append(matches, name)
		}
	}
	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// loadConfig resolves defaults, file, environment and the flags set on
// the command line, in increasing precedence.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := flagConfig

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	path := configPath
	if path == "" {
		path = config.DefaultPath()
	} else if !config.FileExists(path) {
		return cfg, fmt.Errorf("config file %s not found", path)
	}

	if err := config.Load(&cfg, path, changed); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// printedError is an error already reported to the user.
type printedError struct {
	msg string
}

func (e *printedError) Error() string { return e.msg }

// IsPrintedError reports whether err was already written to stderr.
func IsPrintedError(err error) bool {
	var p *printedError
	return errors.As(err, &p)
}

// exclusiveSet matches the flags named in Cobra's mutual exclusivity error:
// "if any flags in the group [ws-url chrome] are set none of the others
// can be; [chrome ws-url] were all set".
var exclusiveSet = regexp.MustCompile(`none of the others can be; \[([^\]]+)\] were all set`)

// flagError rewrites Cobra's flag errors for the command line.
func flagError(err error) string {
	msg := err.Error()
	if m := exclusiveSet.FindStringSubmatch(msg); m != nil {
		names := strings.Fields(m[1])
		for i, n := range names {
			names[i] = "--" + n
		}
		return strings.Join(names, " and ") + " cannot be used together"
	}
	return msg
}

// ReportError prints an error returned by Execute unless a command
// already printed it.
func ReportError(err error) {
	if err == nil || IsPrintedError(err) {
		return
	}
	_ = outputError(flagError(err))
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// outputJSON writes data as JSON, indented when w is a terminal.
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	if isTTY(w) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// outputSuccess writes a successful response. In text mode a nil data
// prints "OK".
func outputSuccess(data any) error {
	if JSONOutput {
		resp := map[string]any{"ok": true}
		if data != nil {
			resp["data"] = data
		}
		return outputJSON(stdout, resp)
	}

	if data == nil {
		if shouldUseColor() {
			_, err := color.New(color.FgGreen).Fprintln(stdout, "OK")
			return err
		}
		_, err := fmt.Fprintln(stdout, "OK")
		return err
	}

	_, err := fmt.Fprintf(stdout, "%v\n", data)
	return err
}

// outputError reports msg on stderr and returns it as a printed error.
func outputError(msg string) error {
	if JSONOutput {
		_ = outputJSON(stderr, map[string]any{"ok": false, "error": msg})
	} else if shouldUseColor() {
		_, _ = color.New(color.FgRed).Fprint(stderr, "Error:")
		fmt.Fprintf(stderr, " %s\n", msg)
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", msg)
	}
	return &printedError{msg: msg}
}

// shouldUseColor determines if color output should be used based on flags
// and environment.
func shouldUseColor() bool {
	if JSONOutput || NoColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isTTY(stderr)
}
