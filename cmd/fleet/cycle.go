package main

import (
	"context"
	"encoding/json"
	"fmt"
	"llm-trading-fleet/internal/logger"
	"llm-trading-fleet/internal/models"

	"github.com/spf13/cobra"
)

func newCycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run exactly one decision cycle for a bot and print its record",
		Long: `Run a single cycle outside the supervisor. The bot's credential is leased for
the duration of the cycle and the record is persisted like any scheduled cycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.S().Sync()

			botID, _ := cmd.Flags().GetString("bot")
			b, ok := findBot(cfg.Bots, botID)
			if !ok {
				return fmt.Errorf("bot %q is not in the configuration", botID)
			}

			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			rt.startStreams(ctx)

			cred, err := rt.pool.Allocate(b.ID, b.Credential)
			if err != nil {
				return err
			}
			defer rt.pool.Release(b.ID)

			eng, err := rt.builder.Build(b, cred)
			if err != nil {
				return err
			}
			record := eng.RunCycle(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(record)
		},
	}
	cmd.Flags().String("bot", "", "Bot id from the configuration")
	cmd.MarkFlagRequired("bot")
	return cmd
}

func findBot(bots []models.BotConfig, id string) (models.BotConfig, bool) {
	for _, b := range bots {
		if b.ID == id {
			return b, true
		}
	}
	return models.BotConfig{}, false
}
