// Command ytdl-client submits downloads to a yt-dl backend, follows their
// progress and saves the finished artifact.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	backendFlag  string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:           "ytdl-client",
	Short:         "Client for the yt-dl download backend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "backend base URL (overrides BACKEND_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, downloadCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
