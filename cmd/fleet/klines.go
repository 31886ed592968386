package main

import (
	"fmt"
	"llm-trading-fleet/internal/downloader"
	"llm-trading-fleet/internal/logger"
	"llm-trading-fleet/internal/models"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func newKlinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "klines",
		Short: "Download historical klines to a CSV file",
		Long: `Download historical klines from the public Binance endpoint.
Example: fleet klines --symbol BTCUSDT --interval 3m --start 2024-03-01 --end 2024-03-08`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})
			defer logger.S().Sync()

			symbol, _ := cmd.Flags().GetString("symbol")
			interval, _ := cmd.Flags().GetString("interval")
			startStr, _ := cmd.Flags().GetString("start")
			endStr, _ := cmd.Flags().GetString("end")
			out, _ := cmd.Flags().GetString("out")
			useFutures, _ := cmd.Flags().GetBool("futures")

			start, err := time.Parse(dateLayout, startStr)
			if err != nil {
				return fmt.Errorf("无效的开始日期: %w", err)
			}
			end := time.Now().UTC()
			if endStr != "" {
				if end, err = time.Parse(dateLayout, endStr); err != nil {
					return fmt.Errorf("无效的结束日期: %w", err)
				}
			}
			symbol = strings.ToUpper(symbol)
			if out == "" {
				out = filepath.Join("data", fmt.Sprintf("%s-%s-%s-%s.csv", symbol, interval, start.Format(dateLayout), end.Format(dateLayout)))
			}

			d := downloader.NewKlineDownloader(useFutures, logger.L())
			n, err := d.DownloadKlines(cmd.Context(), symbol, interval, out, start, end)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d candles\n", out, n)
			return nil
		},
	}
	cmd.Flags().String("symbol", "", "Exchange symbol, e.g. BTCUSDT")
	cmd.Flags().String("interval", "3m", "Kline interval")
	cmd.Flags().String("start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "End date (YYYY-MM-DD), exclusive; defaults to now")
	cmd.Flags().String("out", "", "Output CSV path")
	cmd.Flags().Bool("futures", false, "Use the USDⓈ-M futures endpoint")
	cmd.MarkFlagRequired("symbol")
	cmd.MarkFlagRequired("start")
	return cmd
}
