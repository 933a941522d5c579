package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/config"
)

func newConfigCommand(wiring commandWiring) *cobra.Command {
	var (
		showPath bool
		defaults bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showPath {
				path, err := config.ConfigPath()
				if err != nil {
					return err
				}
				fmt.Fprintln(wiring.stdout, path)
				return nil
			}
			cfg := config.Default()
			if !defaults {
				loaded, err := wiring.loadConfig()
				if err != nil {
					return err
				}
				cfg = loaded
			}
			data, err := cfg.Encode()
			if err != nil {
				return err
			}
			_, err = wiring.stdout.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&showPath, "path", false, "print the config file path instead")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "print the built-in defaults")
	return cmd
}
