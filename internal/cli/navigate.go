package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var navigateCmd = &cobra.Command{
	Use:   "navigate <url>",
	Short: "Navigate the current page",
	Long: `Navigates the current page and waits until its main frame has a fresh
execution context.

Examples:
  cdpdriver navigate https://example.com
  cdpdriver navigate https://example.com --json`,
	Args: cobra.ExactArgs(1),
	RunE: runNavigate,
}

func init() {
	rootCmd.AddCommand(navigateCmd)
}

func runNavigate(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		f, err := s.driver.Navigate(ctx, args[0])
		if err != nil {
			return err
		}
		if JSONOutput {
			return outputSuccess(map[string]string{"url": f.URL(), "frame": f.ID()})
		}
		return outputSuccess(nil)
	})
}
