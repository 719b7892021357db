package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate JavaScript in the current page",
	Long: `Waits until the current frame is usable, evaluates the expression in
its execution context and prints the decoded result as JSON. Promises are
awaited. DOM nodes and other non-plain objects print as their description.

Examples:
  cdpdriver eval document.title
  cdpdriver eval '({a: 1, b: [2, 3]})'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().Bool("allow-obsolete", false, "Evaluate even if the current frame was detached")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	allowObsolete, _ := cmd.Flags().GetBool("allow-obsolete")

	// Join all args to form the expression (allows shell-friendly use without quotes)
	expression := strings.Join(args, " ")

	return withSession(cmd, func(ctx context.Context, s *session) error {
		if _, err := s.driver.WaitForLoaded(ctx, 0, allowObsolete); err != nil {
			return err
		}
		value, err := s.driver.Evaluate(ctx, expression)
		if err != nil {
			return err
		}
		return outputJSON(stdout, map[string]any{"ok": true, "value": value})
	})
}
