package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the release of the tonemapper binary
const Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tonemapper v%s\n", Version)
		fmt.Println("Tone-map session manager for display composition")
		fmt.Println("")
		fmt.Println("Build: development")
		fmt.Printf("Go version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
