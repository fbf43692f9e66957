package main

import (
	"context"
	"fmt"

	porch "github.com/porchlabs/porch-go"
	"github.com/spf13/cobra"
)

var sendQueued bool

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendQueued, "queue", false, "Enqueue for later delivery instead of sending now")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Long:  "Insert a message into a conversation. With --queue the write is held in the\noffline queue and replayed by 'porch queue drain'.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, content := args[0], args[1]
		client, cfg := getClient()
		if cfg.Profile.UserID == "" {
			return fmt.Errorf("no user ID configured; run 'porch config set profile.user_id <id>'")
		}

		rec := porch.Record{
			"conversation_id": convID,
			"sender_id":       cfg.Profile.UserID,
			"content":         content,
		}

		if sendQueued {
			kv, err := openStateKV()
			if err != nil {
				return err
			}
			q := porch.NewOfflineQueue(kv, &porch.HTTPSender{}, cliConnectivity{}, &porch.QueueConfig{Logger: getLogger()})
			action, err := q.Enqueue("POST", client.BaseURL()+"/db/messages", rec, map[string]string{
				"Authorization": "Bearer " + client.Token(),
			})
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			fmt.Printf("Queued message %s (%d pending)\n", action.ID, q.PendingCount())
			return nil
		}

		row, err := client.Insert(context.Background(), "messages", rec)
		if err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		fmt.Printf("Sent message %s\n", row.Str("id", "(no id)"))
		return nil
	},
}
