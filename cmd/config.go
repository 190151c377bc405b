package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-gateway/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for provider details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Claude Gateway Configuration Setup")
	color.Yellow("Follow the prompts to configure your upstream providers.")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("\nProvider Name (e.g., openrouter, openai): ")
	providerName, _ := reader.ReadString('\n')
	providerName = strings.TrimSpace(providerName)

	fmt.Print("Dialect (openai, anthropic, gemini, codewhisperer) [openai]: ")
	dialect, _ := reader.ReadString('\n')
	dialect = strings.TrimSpace(dialect)

	if dialect == "" {
		dialect = "openai"
	}

	fmt.Print("API Key: ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	fmt.Print("API Base URL: ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	fmt.Print("Default Model: ")
	model, _ := reader.ReadString('\n')
	model = strings.TrimSpace(model)

	fmt.Print("Gateway API Key (optional, for authentication): ")
	gatewayAPIKey, _ := reader.ReadString('\n')
	gatewayAPIKey = strings.TrimSpace(gatewayAPIKey)

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayAPIKey,
		Providers: []config.Provider{
			{
				Name:    providerName,
				Dialect: dialect,
				APIBase: baseURL,
				APIKey:  apiKey,
				Models:  []string{model},
			},
		},
		Router: config.RouterConfig{
			Default: config.CategoryRoute{
				Primary: fmt.Sprintf("%s,%s", providerName, model),
			},
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: cgw start")

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'cgw config init' to create one.")

		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")

	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		fmt.Printf("    Dialect: %s\n", provider.Dialect)
		fmt.Printf("    API Base: %s\n", provider.APIBase)
		fmt.Printf("    API Key: %s\n", maskString(provider.APIKey))

		if len(provider.Models) > 0 {
			fmt.Printf("    Models: %v\n", provider.Models)
		}

		if len(provider.ModelMappings) > 0 {
			fmt.Printf("    Model Mappings: %d configured\n", len(provider.ModelMappings))
		}

		fmt.Println()
	}

	fmt.Println("Router Configuration:")
	printRoute("Default", cfg.Router.Default)
	printRoute("Think", cfg.Router.Think)
	printRoute("Background", cfg.Router.Background)
	printRoute("Long Context", cfg.Router.LongContext)
	printRoute("Web Search", cfg.Router.WebSearch)

	return nil
}

func printRoute(label string, route config.CategoryRoute) {
	desc := describeRoute(route)
	if desc == "" {
		return
	}

	fmt.Printf("  %-15s: %s\n", label, desc)
}

func describeRoute(route config.CategoryRoute) string {
	if len(route.Entries) > 0 {
		parts := make([]string, 0, len(route.Entries))
		for _, e := range route.Entries {
			if e.Weight > 0 {
				parts = append(parts, fmt.Sprintf("%s,%s (weight %d)", e.Provider, e.Model, e.Weight))
			} else {
				parts = append(parts, fmt.Sprintf("%s,%s", e.Provider, e.Model))
			}
		}

		desc := strings.Join(parts, " | ")
		if route.Strategy != "" {
			desc += " [" + route.Strategy + "]"
		}

		return desc
	}

	if route.Primary == "" {
		return ""
	}

	desc := route.Primary
	if len(route.Backups) > 0 {
		desc += " (backups: " + strings.Join(route.Backups, ", ") + ")"
	}

	return desc
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)

		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")

	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}

	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}

	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
