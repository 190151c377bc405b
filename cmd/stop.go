package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-gateway/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway server",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	pm := process.NewManager(baseDir)

	if !pm.IsRunning() {
		color.Yellow("Gateway server is not running")

		return nil
	}

	if err := pm.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	pm.CleanupRef()
	color.Green("Gateway server stopped")

	return nil
}
