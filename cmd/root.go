// Package cmd holds the hearthd CLI: the serve daemon plus config and
// vault-key management helpers.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "hearthd",
		Short:   "Home dashboard device daemon",
		Long:    "hearthd connects dashboard users to their vacuum and doorbell vendor clouds and relays live device events over WebSocket.",
		Version: version,
	}
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file path")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(vaultCmd())
	return cmd
}

// Execute runs the CLI. Called from main.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath picks the config file: --config flag, HEARTH_CONFIG
// env, then ~/.hearth/hearth.yaml.
func resolveConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if v := os.Getenv("HEARTH_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "hearth.yaml"
	}
	return filepath.Join(home, ".hearth", "hearth.yaml")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
