/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/reactivedb/pkg/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default reactivedb configuration file",
	Long: `Write a default configuration file with an empty table document,
ready to edit before the first "reactivedb serve".

Examples:
  reactivedb init
  reactivedb init --data-dir=./data --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		force, _ := cmd.Flags().GetBool("force")

		if config.ConfigExists(configPath) && !force {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
		}

		cfg, err := config.BootstrapConfig(configPath, dataDir)
		if err != nil {
			return fmt.Errorf("bootstrapping config: %w", err)
		}

		cmd.Printf("Wrote config to %s\n", configPath)
		cmd.Printf("Data directory: %s\n", cfg.DataDir)
		cmd.Printf("TCP port: %d, Admin HTTP port: %d\n", cfg.Port, cfg.AdminPort)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("data-dir", "./data", "Data directory for table storage")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}
