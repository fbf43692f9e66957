package main

import (
	"context"
	"fmt"

	porch "github.com/porchlabs/porch-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline action queue",
}

// openQueue builds the queue over the shared on-disk state directory.
func openQueue() (*porch.OfflineQueue, error) {
	kv, err := openStateKV()
	if err != nil {
		return nil, err
	}
	return porch.NewOfflineQueue(kv, &porch.HTTPSender{}, cliConnectivity{}, &porch.QueueConfig{
		Logger: getLogger(),
	}), nil
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List pending actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		pending := q.Pending()
		if len(pending) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for i, a := range pending {
			fmt.Printf("%2d. %s %s  (queued %s, retries %d)\n",
				i+1, a.Method, a.URL, a.EnqueuedAt.Format("2006-01-02 15:04:05"), a.RetryCount)
		}
		fmt.Printf("%d pending\n", len(pending))
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending actions against the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		before := q.PendingCount()
		if before == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		q.ProcessQueue(context.Background())
		after := q.PendingCount()
		fmt.Printf("Replayed %d of %d actions; %d still pending\n", before-after, before, after)
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all pending actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQueue()
		if err != nil {
			return err
		}
		n := q.PendingCount()
		if err := q.Clear(); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		fmt.Printf("Dropped %d actions\n", n)
		return nil
	},
}
