package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/grantcarthew/cdpdriver/internal/driver"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Evaluate JavaScript interactively",
	Long: `Keeps a browser connection open and evaluates each line in the current
frame. Lines starting with a dot are REPL commands; see .help.

The connection is supervised: a heartbeat pings the browser and an
abnormal disconnect restarts the connection with backoff.`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().Duration("heartbeat", driver.DefaultHeartbeatInterval, "Heartbeat interval (negative disables)")
	replCmd.Flags().Int("max-restarts", driver.DefaultMaxAttempts, "Consecutive restart attempts before giving up")
	rootCmd.AddCommand(replCmd)
}

// lineReader reads one line per prompt.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanReader reads lines from a non-terminal input without prompting.
type scanReader struct {
	s *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.s.Scan() {
		return r.s.Text(), nil
	}
	if err := r.s.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scanReader) AppendHistory(string) {}

func (r *scanReader) Close() error { return nil }

// newLineReader uses a line editor on a terminal. Replaced in tests.
var newLineReader = func() lineReader {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		l := liner.NewLiner()
		l.SetCtrlCAborts(true)
		return l
	}
	return &scanReader{s: bufio.NewScanner(os.Stdin)}
}

func runREPL(cmd *cobra.Command, args []string) error {
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	maxRestarts, _ := cmd.Flags().GetInt("max-restarts")

	return withSession(cmd, func(ctx context.Context, s *session) error {
		sup := driver.Supervise(ctx, s.driver, driver.SupervisorOptions{
			HeartbeatInterval: heartbeat,
			MaxAttempts:       maxRestarts,
			JitterPercent:     0.1,
		})
		defer sup.Stop()

		in := newLineReader()
		defer in.Close()

		r := &repl{driver: s.driver, sup: sup, in: in}
		return r.run(ctx)
	})
}

// repl is the interactive loop over one supervised driver.
type repl struct {
	driver  *driver.Driver
	sup     *driver.Supervisor
	in      lineReader
	history []string
}

func (r *repl) run(ctx context.Context) error {
	for {
		if r.sup.State() == driver.StateDisconnected {
			return fmt.Errorf("browser connection lost: %s", r.sup.Info().LastError)
		}

		line, err := r.in.Prompt(r.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.in.AppendHistory(line)
		r.history = append(r.history, line)

		if strings.HasPrefix(line, ".") {
			if r.handleSpecialCommand(ctx, line) {
				return nil
			}
			continue
		}
		r.evaluate(ctx, line)
	}
}

// prompt shows the current page's title, and the page count when there
// is more than one.
func (r *repl) prompt() string {
	p, err := r.driver.Page()
	if err != nil {
		return "cdpdriver> "
	}

	title := p.TargetID()
	if t, ok := r.driver.Targets().Get(p.TargetID()); ok {
		switch {
		case t.Info.Title != "":
			title = t.Info.Title
		case t.Info.URL != "":
			title = t.Info.URL
		}
	}
	if len(title) > 30 {
		title = title[:27] + "..."
	}

	if n := len(r.driver.WindowHandles()); n > 1 {
		return fmt.Sprintf("cdpdriver [%s](%d)> ", title, n)
	}
	return fmt.Sprintf("cdpdriver [%s]> ", title)
}

// replCommands lists REPL commands for abbreviation matching.
var replCommands = []string{"exit", "quit", "help", "history", "targets", "switch", "navigate", "pop", "errors", "status", "restart"}

// expandAbbreviation expands a command prefix to a full command name.
// Returns the expanded command and true if exactly one match found.
func expandAbbreviation(prefix string, commands []string) (string, bool) {
	prefix = strings.ToLower(prefix)
	var matches []string
	for _, cmd := range commands {
		if cmd == prefix {
			return cmd, true
		}
		if strings.HasPrefix(cmd, prefix) {
			matches = append(matches, cmd)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// handleSpecialCommand runs a dot command. It returns true when the
// REPL should exit.
func (r *repl) handleSpecialCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(strings.TrimPrefix(line, "."))
	if len(parts) == 0 {
		return false
	}
	cmd, ok := expandAbbreviation(parts[0], replCommands)
	if !ok {
		_ = outputError(fmt.Sprintf("unknown or ambiguous command: .%s", parts[0]))
		return false
	}
	args := parts[1:]

	var err error
	switch cmd {
	case "exit", "quit":
		return true
	case "help":
		r.printHelp()
	case "history":
		r.printHistory()
	case "targets":
		err = r.printTargets()
	case "switch":
		if len(args) != 1 {
			err = errors.New("usage: .switch <target-id>")
			break
		}
		if err = r.driver.SwitchToWindow(ctx, args[0]); err == nil {
			err = outputSuccess(nil)
		}
	case "navigate":
		if len(args) != 1 {
			err = errors.New("usage: .navigate <url>")
			break
		}
		if _, err = r.driver.Navigate(ctx, args[0]); err == nil {
			err = outputSuccess(nil)
		}
	case "pop":
		if err = r.driver.PopFrame(len(args) == 1 && args[0] == "all"); err == nil {
			err = outputSuccess(nil)
		}
	case "errors":
		r.printErrors()
	case "status":
		err = outputJSON(stdout, r.sup.Info())
	case "restart":
		if err = r.driver.Restart(ctx); err == nil {
			err = outputSuccess(nil)
		}
	}
	if err != nil {
		_ = outputError(err.Error())
	}
	return false
}

func (r *repl) evaluate(ctx context.Context, expression string) {
	if _, err := r.driver.WaitForLoaded(ctx, 0, false); err != nil {
		_ = outputError(err.Error())
		return
	}
	value, err := r.driver.Evaluate(ctx, expression)
	if err != nil {
		_ = outputError(err.Error())
		return
	}
	_ = outputJSON(stdout, map[string]any{"ok": true, "value": value})
}

func (r *repl) printTargets() error {
	current := ""
	if p, err := r.driver.Page(); err == nil {
		current = p.TargetID()
	}
	for _, id := range r.driver.WindowHandles() {
		marker := " "
		if id == current {
			marker = "*"
		}
		url := ""
		if t, ok := r.driver.Targets().Get(id); ok {
			url = t.Info.URL
		}
		fmt.Fprintf(stdout, "%s %s  %s\n", marker, id, url)
	}
	return nil
}

func (r *repl) printErrors() {
	for _, e := range r.driver.Errors() {
		fmt.Fprintf(stdout, "  %s  %v\n", e.Time.Format(time.TimeOnly), e.Err)
	}
}

// printHelp displays available commands.
func (r *repl) printHelp() {
	fmt.Fprint(stdout, `
Anything not starting with a dot is evaluated as JavaScript in the current frame.

Commands (unique prefixes accepted: .t=.targets, .n=.navigate, .er=.errors, .q=.quit):
  .targets          List page targets; * marks the current one
  .switch <id>      Make a page target current
  .navigate <url>   Navigate the current page
  .pop [all]        Leave the current iframe, or return to the top frame
  .errors           Show uncaught page exceptions
  .status           Show connection health
  .restart          Reconnect and re-attach every page
  .history          Show input history
  .help             Show this help
  .exit, .quit      Leave the REPL
`)
}

// printHistory displays input history.
func (r *repl) printHistory() {
	for i, line := range r.history {
		fmt.Fprintf(stdout, "  %d  %s\n", i+1, line)
	}
}
