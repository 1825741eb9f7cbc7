package cmd

import (
	"Strata/core/app"
	"Strata/logger"
	"Strata/server"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动Strata服务器",
	Long:  `启动HTTP服务器，提供图层API和websocket事件流`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withApp(ctx, func(a *app.App) error {
			logger.Info("strata starting",
				logger.String("addr", cfg.HTTPAddr),
				logger.Bool("audio_output", cfg.AudioOutput),
				logger.Bool("generation", a.Composer.HasAPIKey()))
			return server.New(a).Run(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
