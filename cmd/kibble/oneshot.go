package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <message...>",
	Short: "Send a chat message over REST",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}

var customAnswer string

var answerCmd = &cobra.Command{
	Use:   "answer <session-id> <question-id> [option-id...]",
	Short: "Answer a pending agent question",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 && customAnswer == "" {
			return fmt.Errorf("give at least one option id or --custom")
		}
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.SubmitAnswer(cmd.Context(), args[0], args[1], args[2:], customAnswer); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "answered")
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <session-id> <plan-id>",
	Short: "Approve a pending plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.ApprovePlan(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "approved")
		return nil
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <session-id> <plan-id> [feedback...]",
	Short: "Reject a pending plan",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.RejectPlan(cmd.Context(), args[0], args[1], strings.Join(args[2:], " ")); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "rejected")
		return nil
	},
}

var deleteSession bool

var endCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "Stop a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		if deleteSession {
			err = client.DeleteSession(cmd.Context(), args[0])
		} else {
			err = client.EndSession(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "ended")
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		sessions, err := client.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMESSAGES\tREPO")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.ID, s.Status, s.MessagesCount, s.RepoURL)
		}
		return w.Flush()
	},
}

func init() {
	answerCmd.Flags().StringVar(&customAnswer, "custom", "", "Free-text answer")
	endCmd.Flags().BoolVar(&deleteSession, "delete", false, "Also delete the session")
}
