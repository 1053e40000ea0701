package main

import (
	"fmt"

	"github.com/conceptfab/dirmeta/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the dirmeta configuration file",
		// config subcommands must work while the configuration is missing or broken
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write a commented default configuration file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}

	configInitForce bool
	configInitPath  string
)

func init() {
	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing file")
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "write to this path instead of the default location")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := configInitPath
	if path == "" {
		path = configPath
	}

	if path == "" {
		written, err := config.InitConfig(configInitForce)
		if err != nil {
			return err
		}
		path = written
	} else if err := config.InitConfigToPath(path, configInitForce); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(loaded)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
