package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tether/internal/actions"
	"tether/internal/backend"
	"tether/internal/msgstore"
	"tether/internal/types"
)

const defaultSendTimeout = 5 * time.Minute

func newSendCommand(wiring commandWiring, flags *rootFlags) *cobra.Command {
	var (
		agent   string
		model   string
		timeout time.Duration
		noWait  bool
	)
	cmd := &cobra.Command{
		Use:   "send <instance> <session> <text...>",
		Short: "Send a prompt and print the assistant reply",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, sessionID := args[0], args[1]
			text := strings.Join(args[2:], " ")
			opts := actions.SendOptions{Agent: agent}
			if strings.TrimSpace(model) != "" {
				parsed, err := parseModel(model)
				if err != nil {
					return err
				}
				opts.Model = parsed
			}

			e, err := openEngine(wiring, flags)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx := cmd.Context()

			inst, err := e.attach(ctx, instanceID)
			if err != nil {
				return err
			}
			if err := inst.Actions().LoadMessages(ctx, sessionID); err != nil {
				return err
			}
			st := inst.Store()
			known := map[string]struct{}{}
			for _, msg := range st.Messages(sessionID) {
				known[msg.ID] = struct{}{}
			}

			changes, unsubscribe := st.Subscribe()
			defer unsubscribe()

			id, err := inst.Actions().SendMessage(ctx, sessionID, text, opts)
			if err != nil {
				return err
			}
			known[id] = struct{}{}
			if noWait {
				fmt.Fprintln(wiring.stdout, id)
				return nil
			}

			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			reply, err := waitForReply(waitCtx, st, sessionID, known, changes)
			if err != nil {
				return err
			}
			printReply(wiring.stdout, st, reply, e.cfg.Preferences)
			if reply.Status == types.MessageStatusError {
				return fmt.Errorf("assistant reply failed: %s", reply.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent to run the prompt")
	cmd.Flags().StringVar(&model, "model", "", "model as provider/model")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultSendTimeout, "how long to wait for the reply")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the message id and return without waiting")
	return cmd
}

func parseModel(raw string) (*backend.Model, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || strings.TrimSpace(provider) == "" || strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("model %q must be provider/model", raw)
	}
	return &backend.Model{ProviderID: provider, ModelID: model}, nil
}

// waitForReply blocks until an assistant message not in known settles.
func waitForReply(ctx context.Context, st *msgstore.Store, sessionID string, known map[string]struct{}, changes <-chan msgstore.Change) (*types.Message, error) {
	for {
		if reply := settledReply(st, sessionID, known); reply != nil {
			return reply, nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.New("timed out waiting for the assistant reply")
			}
			return nil, ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil, errors.New("store closed before the reply settled")
			}
		}
	}
}

func settledReply(st *msgstore.Store, sessionID string, known map[string]struct{}) *types.Message {
	for _, msg := range st.Messages(sessionID) {
		if _, ok := known[msg.ID]; ok || msg.Role != types.RoleAssistant {
			continue
		}
		switch msg.Status {
		case types.MessageStatusComplete, types.MessageStatusError:
			return msg
		}
	}
	return nil
}

func printReply(output io.Writer, st *msgstore.Store, reply *types.Message, prefs types.Preferences) {
	for _, part := range st.DisplayParts(reply.ID, prefs) {
		switch part.Type {
		case types.PartTypeText:
			fmt.Fprintln(output, part.Text)
		case types.PartTypeReasoning:
			fmt.Fprintf(output, "[reasoning] %s\n", part.Text)
		}
	}
}
