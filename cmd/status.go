package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-gateway/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the gateway server status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	pm := process.NewManager(baseDir)

	if !pm.IsRunning() {
		color.Red("● Gateway server is not running")

		return nil
	}

	pid := pm.ReadPID()
	color.Green("● Gateway server is running (PID %d)", pid)

	cfg := cfgMgr.Get()
	endpoint := fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)

	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		color.Yellow("  Health endpoint unreachable: %v", err)

		return nil
	}
	defer resp.Body.Close()

	fmt.Printf("  Endpoint: http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Printf("  Health:   %s\n", resp.Status)
	fmt.Printf("  Config:   %s\n", cfgMgr.GetPath())

	return nil
}
