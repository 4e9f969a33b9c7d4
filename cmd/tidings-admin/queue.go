package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newQueueCommand constructs the `queue` command group.
func newQueueCommand(a *app) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the message queues",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the number of entries in each queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queues, err := a.openQueues()
			if err != nil {
				return err
			}
			depths, err := queues.Depths()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tENTRIES")
			for _, name := range queues.Names() {
				fmt.Fprintf(w, "%s\t%d\n", name, depths[name])
			}
			return w.Flush()
		},
	}

	listCmd := &cobra.Command{
		Use:   "list QUEUE",
		Short: "List the entries waiting in a queue, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := a.openQueues()
			if err != nil {
				return err
			}
			sb, err := queues.Get(args[0])
			if err != nil {
				return err
			}
			files, err := sb.Files()
			if err != nil {
				return err
			}
			for _, fb := range files {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), fb)
			}
			return nil
		},
	}

	unshuntCmd := &cobra.Command{
		Use:   "unshunt",
		Short: "Move shunted entries back to the queue they failed in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			queues, err := a.openQueues()
			if err != nil {
				return err
			}
			n, err := queues.Unshunt()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "unshunted: %d\n", n)
			return nil
		},
	}

	queueCmd.AddCommand(statsCmd, listCmd, unshuntCmd)
	return queueCmd
}
