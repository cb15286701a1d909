package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/lazypower/attune/internal/parallel"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("attune %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
		fmt.Printf("  %s %s/%s, %d training workers\n",
			runtime.Version(), runtime.GOOS, runtime.GOARCH, parallel.DefaultLimit())
	},
}

// VersionString is the version reported by the health endpoint.
func VersionString() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
