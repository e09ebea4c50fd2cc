package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kibble/kibble/internal/session/api"
)

var envFilePath string

// readEnvFile returns the contents of the --env-file flag, if set.
func readEnvFile() (string, error) {
	if envFilePath == "" {
		return "", nil
	}
	data, err := os.ReadFile(envFilePath)
	if err != nil {
		return "", fmt.Errorf("failed to read env file: %w", err)
	}
	return string(data), nil
}

func printCreated(cmd *cobra.Command, resp *api.CreateSessionResponse) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s (%s)\n", resp.SessionID, resp.Status)
	if resp.Message != "" {
		fmt.Fprintln(out, resp.Message)
	}
}

var startCmd = &cobra.Command{
	Use:   "start <repo-url>",
	Short: "Start a new agent session on a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, err := readEnvFile()
		if err != nil {
			return err
		}
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.CreateSession(cmd.Context(), args[0], envFile)
		if err != nil {
			return err
		}
		printCreated(cmd, resp)
		return nil
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <session-id> [message...]",
	Short: "Resume a stopped session, optionally with a new message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, err := readEnvFile()
		if err != nil {
			return err
		}
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.ContinueSession(cmd.Context(), args[0], strings.Join(args[1:], " "), envFile)
		if err != nil {
			return err
		}
		printCreated(cmd, resp)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the session backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := newAPIClient()
		if err != nil {
			return err
		}
		h, err := client.Health(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%d active sessions)\n", h.Status, h.ActiveSessions)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&envFilePath, "env-file", "", "Path to a .env file passed to the session")
	continueCmd.Flags().StringVar(&envFilePath, "env-file", "", "Path to a .env file passed to the session")
}
