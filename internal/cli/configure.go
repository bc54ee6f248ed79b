package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/dschat/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a default config file",
	Long: `Write a default configuration file if none exists, then print its
location and contents summary. Existing files are left untouched.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Config: %s\n", loader.GetConfigPath())
	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Agent command: %s\n", cfg.Agent.Command)
	fmt.Printf("Tables: %v\n", cfg.Agent.Tables)
	return nil
}
