package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	porch "github.com/porchlabs/porch-go"
	"github.com/spf13/cobra"
)

var (
	callsListLimit int
	callsListJSON  bool
)

func init() {
	rootCmd.AddCommand(callsCmd)
	callsCmd.AddCommand(callsListCmd)
	callsListCmd.Flags().IntVar(&callsListLimit, "limit", 20, "Maximum entries to show")
	callsListCmd.Flags().BoolVar(&callsListJSON, "json", false, "Output raw JSON")
}

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect call history",
}

var callsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent call log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		rows, err := client.Select(context.Background(), "call_logs", nil)
		if err != nil {
			return fmt.Errorf("failed to fetch call logs: %w", err)
		}
		if callsListLimit > 0 && len(rows) > callsListLimit {
			rows = rows[:callsListLimit]
		}

		if callsListJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		if len(rows) == 0 {
			fmt.Println("No calls.")
			return nil
		}
		for _, row := range rows {
			direction := porch.DirectionIncoming
			other := row.Str("caller_id", "?")
			if row.Str("caller_id", "") == cfg.Profile.UserID {
				direction = porch.DirectionOutgoing
				other = row.Str("receiver_id", "?")
			}
			label := porch.CallLabel(
				porch.CallStatus(row.Str("status", "")),
				direction,
				porch.CallType(row.Str("call_type", "")),
			)
			line := fmt.Sprintf("%-22s %s", label, other)
			if secs := row.Int("duration_seconds", 0); secs > 0 {
				line += fmt.Sprintf("  %dm%02ds", secs/60, secs%60)
			}
			fmt.Println(line)
		}
		return nil
	},
}
