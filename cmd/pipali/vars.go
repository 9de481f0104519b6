package cli

import (
	"github.com/spf13/cobra"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile        string
	addrFlag       string
	verbose        bool
	dangerouslyAll bool
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipali",
		Short: "Pipali - local agent sidecar",
		Long: `Pipali is a local sidecar that runs agent sessions for UI clients.

Just type 'pipali' to start the sidecar. Clients connect over a
websocket on loopback and drive runs with message, stop, fork and
confirmation commands.`,
		Run: func(cmd *cobra.Command, args []string) {
			RunServe()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Root-only flags
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	rootCmd.Flags().BoolVar(&dangerouslyAll, "dangerously", false, "bypass ALL tool approval prompts")

	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(LoginCmd())
	rootCmd.AddCommand(DoctorCmd())
	rootCmd.AddCommand(VersionCmd())

	return rootCmd
}

// VersionCmd prints the build version
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pipali version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("pipali " + Version)
		},
	}
}
