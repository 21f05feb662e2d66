package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"salonchat/internal/events"
	"salonchat/internal/unread"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(unreadCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with their unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := login(cmd.Context(), newLogger())
		if err != nil {
			return err
		}
		convs, err := client.Conversations(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tUNREAD\tLAST MESSAGE")
		for _, c := range convs {
			last := "-"
			if c.LastMessageAt != nil {
				last = c.LastMessageAt.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.Name, c.UnreadCount, last)
		}
		return w.Flush()
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the total unread count and the conversations holding it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := newLogger()
		client, err := login(ctx, log)
		if err != nil {
			return err
		}

		badge := unread.New(client, events.NewBus(log), log)
		defer badge.Close()
		badge.Load(ctx)

		convs, err := client.Conversations(ctx)
		if err != nil {
			return err
		}
		names := make(map[string]string, len(convs))
		counts := make(map[string]int, len(convs))
		for _, c := range convs {
			names[c.ID] = c.Name
			counts[c.ID] = c.UnreadCount
		}
		badge.SetConversations(counts)

		return writeUnread(os.Stdout, badge, names)
	},
}

func writeUnread(out io.Writer, badge *unread.Aggregator, names map[string]string) error {
	fmt.Fprintf(out, "unread: %d\n", badge.Total())
	breakdown := badge.Breakdown()
	if len(breakdown) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUNREAD")
	for _, c := range breakdown {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.ConversationID, names[c.ConversationID], c.Unread)
	}
	return w.Flush()
}
