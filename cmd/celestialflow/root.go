package main

import (
	"github.com/spf13/cobra"
)

var configFile string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "celestialflow",
		Short:   "CelestialFlow runs DAG-shaped worker-pool task pipelines",
		Version: "0.1.0",
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML/JSON/TOML, viper-resolved)")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(runCmd())
	return cmd
}
