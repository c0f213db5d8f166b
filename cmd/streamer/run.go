package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/openapi-streamer/common/logger"
	"github.com/YaganovValera/openapi-streamer/common/shutdown"
	"github.com/YaganovValera/openapi-streamer/internal/app"
	"github.com/YaganovValera/openapi-streamer/internal/config"
)

func newRunCmd() *cobra.Command {
	var (
		cfgFile     string
		printConfig bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect, create configured subscriptions and stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1. Конфиг
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if printConfig {
				if err := cfg.Print(os.Stdout); err != nil {
					fmt.Fprintf(os.Stderr, "failed to print config: %v\n", err)
				}
			}

			// 2. Логгер
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer log.Sync()

			// 3. Контекст с отменой по сигналам
			ctx, cancel := shutdown.SignalContext(context.Background(), log)
			defer cancel()

			log.Info("starting service",
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
				zap.String("build", version),
			)

			// 4. Приложение
			if err := app.Run(ctx, cfg, log); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "config/config.yaml", "path to config file")
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "print the loaded configuration (token hidden)")
	return cmd
}
