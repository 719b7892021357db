// Command cdpdriver drives Chrome over the DevTools Protocol.
package main

import (
	"os"

	"github.com/grantcarthew/cdpdriver/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		cli.ReportError(err)
		os.Exit(1)
	}
}
