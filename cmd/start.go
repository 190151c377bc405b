package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-gateway/internal/process"
	"github.com/Davincible/claude-gateway/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long:  `Start the gateway server that routes Anthropic-format requests across the configured upstream providers.`,
	RunE:  runStart,
}

func init() {
	startCmd.Flags().Bool("verbose", false, "enable verbose logging")
}

func runStart(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging(verbose)

	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	color.Green("Starting %s v%s", AppName, Version)
	color.Cyan("Listening on %s:%d", cfg.Host, cfg.Port)

	pm := process.NewManager(baseDir)
	if err := pm.WritePID(); err != nil {
		logger.Warn("Failed to write PID file", "error", err)
	}

	defer pm.CleanupPID()

	srv, err := server.New(cfgMgr, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	return srv.Start()
}
