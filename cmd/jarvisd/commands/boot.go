package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/jarvis-dash/jarvis-core/internal/app"
	"github.com/jarvis-dash/jarvis-core/internal/config"
	"github.com/jarvis-dash/jarvis-core/internal/logging"
	"github.com/spf13/cobra"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot JARVIS and keep its services running",
	Long: `Run one boot attempt and keep the started services running until SIGINT or
SIGTERM. On shutdown the optional services are stopped first, then the rest in
reverse start order.

Examples:
  # Boot with a custom services manifest
  jarvisd boot --services ./services.yaml

  # Expose health and metrics on one port
  JARVIS_HEALTH_PORT=8080 JARVIS_METRICS_PORT=8080 jarvisd boot`,
	RunE: runBoot,
}

func runBoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewWithLevel(cfg.LogLevel).With().Str("instance", cfg.InstanceName).Logger()

	manifest, err := config.LoadManifest(cfg.ServicesFile)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, manifest, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("services", len(manifest.Services)).
		Msg("jarvis starting")
	return a.Run(ctx)
}
