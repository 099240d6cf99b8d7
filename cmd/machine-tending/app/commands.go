// Package app provides the commands of the machine-tending binary.
package app

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/KevinKickass/MachineTending/internal/system"
)

// NewRootCmd builds the command tree. Running the root command with three
// arguments starts the control loop.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "machine-tending <app-config> <recipe-config> <structured-output>",
		Short: "Print farm machine tending control loop",
		Long: `machine-tending drives one cell: a UR cobot over RTDE and a 3D printer over
OctoPrint. It prints, cools, and hands each part to the cobot until max_jobs
parts are done.

structured-output (true/false) enables key=value records on stdout for a
supervising front-end. Logs always go to stderr.

The first SIGINT/SIGTERM finishes the current cycle, a second one stops
immediately and cancels the running print.`,
		Args:              cobra.ExactArgs(3),
		RunE:              runLoop,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	rootCmd.Flags().Bool("debug", false, "Enable development logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newHashPasswordCmd())
	rootCmd.AddCommand(newMachineTokenCmd())
	rootCmd.AddCommand(newIssueTokenCmd())

	return rootCmd
}

type versionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{
				Version:   system.Version,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}

			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}
			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("formatting version info: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "machine-tending %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
