/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/reactivedb/pkg/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reactivedb",
	Short: "ReactiveDB - a small reactive database",
	Long: `ReactiveDB stores keyed records in named tables and automatically
maintains derived tables whose contents are produced by transforming one
or more source tables. Adding or removing a record from a source table
cascades synchronously through every derived table that depends on it.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.GetDefaultConfigPath(), "Path to the reactivedb configuration file")
}
