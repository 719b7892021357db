package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the browser's targets",
	Long: `Connects to the browser and lists every target it reports, in
discovery order. The current page is marked with *.

Examples:
  cdpdriver targets
  cdpdriver targets --json`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}

// targetEntry is the JSON form of one target.
type targetEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Current bool   `json:"current,omitempty"`
}

func runTargets(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		current := ""
		if p, err := s.driver.Page(); err == nil {
			current = p.TargetID()
		}

		var entries []targetEntry
		for _, t := range s.driver.Targets().All() {
			entries = append(entries, targetEntry{
				ID:      t.Info.TargetID,
				Type:    t.Info.Type,
				Title:   t.Info.Title,
				URL:     t.Info.URL,
				Current: t.Info.TargetID == current,
			})
		}

		if JSONOutput {
			return outputSuccess(entries)
		}

		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		for _, e := range entries {
			marker := " "
			if e.Current {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s\t%s\t%s\n", marker, e.ID, e.Type, e.URL)
		}
		return w.Flush()
	})
}
