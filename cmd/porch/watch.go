package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	porch "github.com/porchlabs/porch-go"
	"github.com/spf13/cobra"
)

var watchPeer string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchPeer, "peer", "", "Other participant's user ID (enables the typing indicator)")
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream messages and notifications for a conversation",
	Long:  "Subscribe to a conversation's realtime channel and print incoming messages,\nnotifications, and typing activity until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		client, cfg := getClient()
		log := getLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		broker := porch.NewWSBroker(client.BaseURL(), client.Token(), &porch.RealtimeConfig{
			AutoReconnect: true,
			Logger:        log,
		})
		if err := broker.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect: %w", err)
		}
		defer broker.Disconnect()

		kv, err := openStateKV()
		if err != nil {
			return err
		}
		engine := porch.NewEngine(cfg.Profile.UserID, &porch.EngineConfig{Logger: log},
			porch.WithToaster(consoleToaster{}),
			porch.WithDedupStore(kv),
		)

		monitor := porch.NewMonitor(broker, porch.WithMonitorLogger(log))
		handle := monitor.Open(ctx, "messages:"+convID, func(ch porch.RealtimeChannel) {
			ch.OnChange(func(ev porch.ChangeEvent) {
				printChange(ev)
				if raw, ok := porch.RawEventFromChange(ev.Table, ev); ok {
					engine.OnRawEvent(context.Background(), raw)
				}
			})
		}, porch.ChannelOptions{
			DebugName: "watch:" + convID,
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "Subscription degraded: %v\n", err)
			},
		})
		defer handle.Close()

		if watchPeer != "" {
			session := porch.AttachTyping(ctx, monitor, convID, cfg.Profile.UserID, watchPeer, func(active bool) {
				if active {
					fmt.Printf("  %s is typing...\n", watchPeer)
				}
			}, nil)
			defer session.Close()
		}

		fmt.Printf("Watching conversation %s (Ctrl+C to stop)\n", convID)
		<-ctx.Done()
		return nil
	},
}

func printChange(ev porch.ChangeEvent) {
	switch ev.Table {
	case "messages":
		if ev.Type != porch.ChangeInsert {
			return
		}
		ts := time.Now().Format("15:04:05")
		fmt.Printf("%s %s: %s\n", ts, ev.New.Str("sender_id", "?"), ev.New.Str("content", ""))
	case "call_logs":
		if ev.Type != porch.ChangeInsert {
			return
		}
		fmt.Printf("Call %s from %s\n", ev.New.Str("status", "?"), ev.New.Str("caller_id", "?"))
	}
}
