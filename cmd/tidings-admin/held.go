package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/migadu/tidings/moderator"
)

// newHeldCommand constructs the `held` command group.
func newHeldCommand(a *app) *cobra.Command {
	heldCmd := &cobra.Command{
		Use:   "held",
		Short: "Messages held for moderation",
	}

	listCmd := &cobra.Command{
		Use:   "list LIST_ID",
		Short: "List the messages held for a list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lists, _, mod, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			list, ok := lists.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown list %s", args[0])
			}
			held, err := mod.Held(cmd.Context(), list)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHELD AT\tSENDER\tSUBJECT\tREASON")
			for _, m := range held {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.ID, time.Unix(m.HeldAt, 0).UTC().Format(time.RFC3339),
					m.Sender, m.Subject, m.Reason)
			}
			return w.Flush()
		},
	}

	decideCmd := &cobra.Command{
		Use:   "decide LIST_ID ID ACTION",
		Short: "Accept, reject, discard or defer a held message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[1])
			}
			action, err := moderator.ParseAction(args[2])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")

			lists, _, mod, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			list, ok := lists.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown list %s", args[0])
			}
			if err := mod.HandleMessage(cmd.Context(), list, id, action, reason); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
	decideCmd.Flags().String("reason", "", "Reason sent to the poster on reject")

	heldCmd.AddCommand(listCmd, decideCmd)
	return heldCmd
}
