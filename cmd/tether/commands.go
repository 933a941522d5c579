package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"tether/internal/config"
	"tether/internal/store"
)

type commandWiring struct {
	stdout         io.Writer
	stderr         io.Writer
	loadConfig     func() (config.Config, error)
	openRepository func(path string) (store.Repository, error)
	version        string
}

func defaultCommandWiring(stdout, stderr io.Writer) commandWiring {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return commandWiring{
		stdout:         stdout,
		stderr:         stderr,
		loadConfig:     config.Load,
		openRepository: store.NewBboltRepository,
		version:        buildVersion(),
	}
}

type rootFlags struct {
	logLevel string
}

func newRootCommand(wiring commandWiring) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "tether",
		Short: "Sync sessions and messages from coding-assistant backends",
		Long: `tether keeps a live, reconciled view of the sessions and messages of one or
more coding-assistant backends. Instances are configured in config.toml.`,
		Version:       wiring.version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(wiring.stdout)
	root.SetErr(wiring.stderr)
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newConfigCommand(wiring),
		newSessionsCommand(wiring, flags),
		newSendCommand(wiring, flags),
		newWatchCommand(wiring, flags),
	)
	return root
}
