package main

import (
	"fmt"
	"llm-trading-fleet/internal/reporter"
	"llm-trading-fleet/internal/supervisor"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status from a running control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			botID, _ := cmd.Flags().GetString("bot")

			client := resty.New().
				SetBaseURL(addr).
				SetTimeout(10 * time.Second).
				SetHeader("Accept", "application/json")

			if botID != "" {
				var m reporter.Metrics
				resp, err := client.R().SetContext(cmd.Context()).SetResult(&m).
					SetPathParam("id", botID).Get("/api/bots/{id}/performance")
				if err != nil {
					return err
				}
				if resp.IsError() {
					return fmt.Errorf("performance %s: %s: %s", botID, resp.Status(), resp.String())
				}
				fmt.Fprintln(cmd.OutOrStdout(), reporter.RenderPerformance(m))
				return nil
			}

			var statuses []supervisor.Status
			resp, err := client.R().SetContext(cmd.Context()).SetResult(&statuses).Get("/api/bots")
			if err != nil {
				return err
			}
			if resp.IsError() {
				return fmt.Errorf("list bots: %s: %s", resp.Status(), resp.String())
			}
			fmt.Fprintln(cmd.OutOrStdout(), reporter.RenderStatusTable(statusRows(statuses)))
			return nil
		},
	}
	cmd.Flags().String("addr", "http://127.0.0.1:8080", "Control API base URL")
	cmd.Flags().String("bot", "", "Show the performance report of one bot instead")
	return cmd
}

func statusRows(statuses []supervisor.Status) []reporter.StatusRow {
	rows := make([]reporter.StatusRow, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, reporter.StatusRow{
			BotID:        s.BotID,
			Running:      s.Running,
			Handle:       s.Handle,
			Credential:   s.Credential,
			Interval:     s.Interval,
			Cycles:       s.Cycles,
			LastAction:   string(s.LastAction),
			LastExitCode: s.LastExitCode,
			StartedAt:    s.StartedAt,
		})
	}
	return rows
}
