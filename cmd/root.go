package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/netbirdio/icemux/util"
	"github.com/netbirdio/icemux/version"
)

var (
	logLevel  string
	logFile   string
	logFormat string

	rootCmd = &cobra.Command{
		Use:           "icemux",
		Short:         "Single port ICE transport",
		Long:          "Serves STUN, media and a TURN relay client on one demultiplexed UDP port",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			util.SetFlagsFromEnvVars(cmd)
			if err := util.InitLogger(log.StandardLogger(), logLevel, logFile, logFormat); err != nil {
				return fmt.Errorf("failed to initialize log: %w", err)
			}
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", util.LogConsole, "log file, console logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format, text or json")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTurnServerCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.String())
		},
	})
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
