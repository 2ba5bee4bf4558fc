package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yuuki/rdmamsg/internal/config"
)

var configOutput string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Long: `Write a commented configuration file holding the default values.

Examples:
  rmsg config init
  rmsg config init --output /etc/rdmamsg/rdmamsg.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", configOutput)
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&configOutput, "output", "o", "rdmamsg.yaml", "Path of the configuration file to write")
	configCmd.AddCommand(configInitCmd)
}
