package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatagent/pkg/agentclient"
)

func newHistoryCommand() *cobra.Command {
	var server string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <agent>",
		Short: "Print the stored message log of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			target, err := agentURL(server, args[0])
			if err != nil {
				return err
			}
			msgs, err := agentclient.NewInitialMessagesCache(nil).GetForAgent(ctx, target)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			printHistory(os.Stdout, msgs)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "ws://localhost:8080", "Agent server base URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON log")
	return cmd
}

func newClearCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "clear <agent>",
		Short: "Clear the shared message log of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			target, err := agentURL(server, args[0])
			if err != nil {
				return err
			}
			client, err := agentclient.Dial(ctx, target)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()
			return client.ClearHistory()
		},
	}
	cmd.Flags().StringVar(&server, "server", "ws://localhost:8080", "Agent server base URL")
	return cmd
}
