package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/migadu/tidings/consts"
	"github.com/migadu/tidings/pending"
)

// newPendingCommand constructs the `pending` command group.
func newPendingCommand(a *app) *cobra.Command {
	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "Pending confirmations and moderator requests",
	}
	pendingCmd.AddCommand(
		newPendingListCommand(a),
		newPendingEvictCommand(a),
		newPendingConfirmCommand(a),
		newPendingDiscardCommand(a),
	)
	return pendingCmd
}

func formatPendable(p pending.Pendable) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		if k == pending.KeyType {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}

func newPendingListCommand(a *app) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			listID, _ := cmd.Flags().GetString("list")
			typ, _ := cmd.Flags().GetString("type")
			owner, _ := cmd.Flags().GetString("owner")

			pendings, err := a.pendings(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tTYPE\tDETAILS")
			n := 0
			for p, err := range pendings.Find(cmd.Context(), pending.Filter{ListID: listID, Type: typ, TokenOwner: owner}) {
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Token, p.Pendable.Type(), formatPendable(p.Pendable))
				n++
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d record(s)\n", n)
			return nil
		},
	}
	listCmd.Flags().String("list", "", "Only records for this list ID")
	listCmd.Flags().String("type", "", "Only records of this type")
	listCmd.Flags().String("owner", "", "Only records whose token owner matches (subscriber, moderator)")
	return listCmd
}

func newPendingEvictCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Delete expired records now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pendings, err := a.pendings(cmd.Context())
			if err != nil {
				return err
			}
			n, err := pendings.Evict(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "evicted: %d\n", n)
			return nil
		},
	}
}

func newPendingConfirmCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm TOKEN",
		Short: "Confirm a subscription or unsubscription request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, workflows, _, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			token, owner, member, err := workflows.Confirm(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, consts.ErrNotAWorkflow) {
					return fmt.Errorf("%s is not a membership request; use 'held' for held messages", args[0])
				}
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case member != nil:
				_, _ = fmt.Fprintf(out, "done: %s (%s)\n", member.Email, member.ListID)
			case token != "":
				_, _ = fmt.Fprintf(out, "waiting on %s, new token: %s\n", owner, token)
			default:
				_, _ = fmt.Fprintln(out, "done")
			}
			return nil
		},
	}
}

func newPendingDiscardCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discard TOKEN",
		Short: "Discard a pending record and its workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, workflows, _, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			if err := workflows.Discard(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, consts.ErrNotFound) {
					return fmt.Errorf("no pending record for token %s", args[0])
				}
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status:", "OK")
			return nil
		},
	}
}
