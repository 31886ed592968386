package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"llm-trading-fleet/internal/market"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安单次请求最多1000条
const pageLimit = 1000

// PageFunc fetches up to limit candles whose open time is at or after start, oldest first.
type PageFunc func(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]market.Candle, error)

// KlineDownloader 用于从币安下载K线数据并保存为CSV
type KlineDownloader struct {
	fetch  PageFunc
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader uses the public spot or futures kline endpoint; no API key is needed.
func NewKlineDownloader(useFutures bool, logger *zap.Logger) *KlineDownloader {
	var fetch PageFunc
	if useFutures {
		client := futures.NewClient("", "")
		fetch = func(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]market.Candle, error) {
			klines, err := client.NewKlinesService().Symbol(symbol).Interval(interval).
				StartTime(start.UnixMilli()).Limit(limit).Do(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]market.Candle, 0, len(klines))
			for _, k := range klines {
				out = append(out, candle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume))
			}
			return out, nil
		}
	} else {
		client := binance.NewClient("", "")
		fetch = func(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]market.Candle, error) {
			klines, err := client.NewKlinesService().Symbol(symbol).Interval(interval).
				StartTime(start.UnixMilli()).Limit(limit).Do(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]market.Candle, 0, len(klines))
			for _, k := range klines {
				out = append(out, candle(k.OpenTime, k.Open, k.High, k.Low, k.Close, k.Volume))
			}
			return out, nil
		}
	}
	return NewKlineDownloaderWith(fetch, 200*time.Millisecond, logger)
}

// NewKlineDownloaderWith builds a downloader over an arbitrary page source.
func NewKlineDownloaderWith(fetch PageFunc, pause time.Duration, logger *zap.Logger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineDownloader{fetch: fetch, pause: pause, logger: logger}
}

func candle(openTime int64, o, h, l, c, v string) market.Candle {
	return market.Candle{
		OpenTime: time.UnixMilli(openTime),
		Open:     parse(o),
		High:     parse(h),
		Low:      parse(l),
		Close:    parse(c),
		Volume:   parse(v),
	}
}

func parse(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// DownloadKlines 下载 [start, end) 范围内的K线并写入 filePath, 返回写入的条数。
// 如果文件已存在则跳过下载, 直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, start, end time.Time) (int, error) {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载数据", zap.String("file", filePath))
		return 0, nil
	}
	if !start.Before(end) {
		return 0, fmt.Errorf("start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	// 下载失败时不留下半个文件, 避免下次被当作缓存
	committed := false
	defer func() {
		file.Close()
		if !committed {
			os.Remove(tmp)
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"open_time", "open", "high", "low", "close", "volume"}); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	d.logger.Info("开始下载K线数据",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Time("start", start),
		zap.Time("end", end))

	written := 0
	for t := start; t.Before(end); {
		candles, err := d.fetch(ctx, symbol, interval, t, pageLimit)
		if err != nil {
			return written, fmt.Errorf("下载K线数据失败: %v: %w", err, market.ErrMarketDataUnavailable)
		}
		if len(candles) == 0 {
			break
		}

		for _, c := range candles {
			if !c.OpenTime.Before(end) {
				break
			}
			if err := writer.Write(record(c)); err != nil {
				return written, fmt.Errorf("写入CSV记录失败: %w", err)
			}
			written++
		}

		next := candles[len(candles)-1].OpenTime.Add(time.Millisecond)
		if !next.After(t) {
			break
		}
		t = next
		d.logger.Debug("已下载数据", zap.Time("until", t))

		if d.pause > 0 {
			select {
			case <-ctx.Done():
				return written, ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return written, err
	}
	if err := file.Close(); err != nil {
		return written, err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return written, err
	}
	committed = true
	d.logger.Info("成功下载K线数据", zap.String("file", filePath), zap.Int("candles", written))
	return written, nil
}

func record(c market.Candle) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		strconv.FormatInt(c.OpenTime.UnixMilli(), 10),
		f(c.Open), f(c.High), f(c.Low), f(c.Close), f(c.Volume),
	}
}

// LoadCandles reads a file written by DownloadKlines.
func LoadCandles(path string) ([]market.Candle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("无法读取CSV记录: %w", err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	out := make([]market.Candle, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) < 6 {
			return nil, fmt.Errorf("line %d: expected 6 columns, got %d", i+2, len(row))
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		c := market.Candle{OpenTime: time.UnixMilli(ms)}
		for j, dst := range []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume} {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+2, err)
			}
			*dst = v
		}
		out = append(out, c)
	}
	return out, nil
}
