package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newWatchCommand(wiring commandWiring, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <instance>",
		Short: "Stream store invalidations of an instance until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(wiring, flags)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			inst, err := e.attach(ctx, args[0])
			if err != nil {
				return err
			}
			changes, unsubscribe := inst.Store().Subscribe()
			defer unsubscribe()
			if _, err := inst.Actions().LoadSessions(ctx); err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case change, ok := <-changes:
					if !ok {
						return nil
					}
					fmt.Fprintf(wiring.stdout, "%d %s\n", change.Version, strings.Join(change.Keys, " "))
				}
			}
		},
	}
}
