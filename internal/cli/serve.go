package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when enabled, the scheduled monitor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps, err := newDependencies(ctx, true)
		if err != nil {
			return err
		}
		defer deps.Close()

		server, err := deps.Server()
		if err != nil {
			return err
		}

		deps.Logger.Info("starting sbcompliance",
			zap.String("version", deps.Config.Server.Version),
			zap.String("host", deps.Config.Server.Host),
			zap.Int("port", deps.Config.Server.Port))
		return server.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
