package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bleapp",
	Short: "BLE advertiser and central in one process",
	Long: `Bluetooth Low Energy (BLE) application that advertises under one name
and looks for a peer advertising another:

- Advertise a name and an optional 16-bit or 128-bit service id
- Scan for a target name and connect to it when found
- React to connections, writes and subscriptions from Lua hooks
- Watch and reconfigure the running application over HTTP and websocket
- Replay scripted scenarios against a simulated radio

Settings come from flags, BLEAPP_* environment variables and an optional config file.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(simulateCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml, json or toml)")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
