package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tether/internal/store"
	"tether/internal/types"
)

func newSessionsCommand(wiring commandWiring, flags *rootFlags) *cobra.Command {
	var (
		offline bool
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "sessions <instance>",
		Short: "List the sessions of an instance",
		Long: `List the sessions of an instance. The listing is fetched from the backend and
saved; --offline prints the last saved listing without contacting it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(wiring, flags)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			var sessions []*types.Session
			if offline {
				index := store.NewInstanceIndex(e.repo.Sessions(), args[0])
				sessions, err = index.Sessions(ctx)
				if err != nil {
					return err
				}
			} else {
				inst, err := e.attach(ctx, args[0])
				if err != nil {
					return err
				}
				sessions, err = inst.Actions().LoadSessions(ctx)
				if err != nil {
					return fmt.Errorf("instance %s: %w", args[0], err)
				}
			}
			if !all {
				sessions = topLevel(sessions)
			}
			printSessions(wiring.stdout, sessions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "print the saved listing only")
	cmd.Flags().BoolVar(&all, "all", false, "include child sessions")
	return cmd
}

func topLevel(sessions []*types.Session) []*types.Session {
	out := make([]*types.Session, 0, len(sessions))
	for _, session := range sessions {
		if session.IsTopLevel() {
			out = append(out, session)
		}
	}
	return out
}
