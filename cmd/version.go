package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build metadata variables, set by -ldflags at compile time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		version, commit, built := buildMetadata()
		fmt.Printf("smart-attendance %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", built)
		fmt.Printf("  Go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// buildMetadata returns the ldflags values, filling the ones left at their
// defaults from the build info embedded by `go install`.
func buildMetadata() (version, commit, built string) {
	info, _ := debug.ReadBuildInfo()
	return resolveMetadata(info)
}

func resolveMetadata(info *debug.BuildInfo) (version, commit, built string) {
	version, commit, built = Version, CommitSHA, BuildDate
	if info == nil {
		return version, commit, built
	}
	if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && commit == "unknown":
			commit = s.Value
		case s.Key == "vcs.time" && built == "unknown":
			built = s.Value
		}
	}
	return version, commit, built
}
