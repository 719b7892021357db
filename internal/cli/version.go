package cli

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/cdpdriver/internal/cdp"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the browser version",
	Long:  "Connects to the browser and prints what Browser.getVersion reports.",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// browserVersion is the Browser.getVersion result.
type browserVersion struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	return withSession(cmd, func(ctx context.Context, s *session) error {
		v, err := cdp.Invoke[browserVersion](ctx, s.driver.Client(), cdproto.CommandBrowserGetVersion, nil)
		if err != nil {
			return err
		}
		if JSONOutput {
			return outputSuccess(v)
		}
		_, err = fmt.Fprintf(stdout, "%s (protocol %s)\n", v.Product, v.ProtocolVersion)
		return err
	})
}
