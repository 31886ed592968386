package downloader

import (
	"context"
	"errors"
	"llm-trading-fleet/internal/market"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// minuteSource serves one candle per minute from origin, at most pageSize per call.
func minuteSource(origin time.Time, pageSize int, calls *int) PageFunc {
	return func(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]market.Candle, error) {
		*calls++
		if limit > pageSize {
			limit = pageSize
		}
		first := start.Sub(origin).Truncate(time.Minute)
		if start.After(origin.Add(first)) {
			first += time.Minute
		}
		out := make([]market.Candle, 0, limit)
		for i := 0; i < limit; i++ {
			ts := origin.Add(first + time.Duration(i)*time.Minute)
			price := 100 + float64(ts.Sub(origin)/time.Minute)
			out = append(out, market.Candle{OpenTime: ts, Open: price, High: price + 1, Low: price - 1, Close: price + 0.5, Volume: 2})
		}
		return out, nil
	}
}

func TestDownloadKlinesPagesAndCaches(t *testing.T) {
	origin := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	d := NewKlineDownloaderWith(minuteSource(origin, 4, &calls), 0, zap.NewNop())
	path := filepath.Join(t.TempDir(), "data", "BTCUSDT-1m.csv")

	n, err := d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, origin, origin.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 3, calls)

	candles, err := LoadCandles(path)
	require.NoError(t, err)
	require.Len(t, candles, 10)
	assert.True(t, candles[0].OpenTime.Equal(origin))
	assert.Equal(t, 109.5, candles[9].Close)
	for i := 1; i < len(candles); i++ {
		assert.True(t, candles[i].OpenTime.After(candles[i-1].OpenTime), "candles are strictly ascending")
	}

	// the file is now a cache hit
	n, err = d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, origin, origin.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, calls)
}

func TestDownloadKlinesFailureLeavesNoFile(t *testing.T) {
	d := NewKlineDownloaderWith(func(ctx context.Context, symbol, interval string, start time.Time, limit int) ([]market.Candle, error) {
		return nil, errors.New("418 I'm a teapot")
	}, 0, zap.NewNop())
	path := filepath.Join(t.TempDir(), "x.csv")

	start := time.Now().Add(-time.Hour)
	_, err := d.DownloadKlines(context.Background(), "BTCUSDT", "1m", path, start, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrMarketDataUnavailable)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadKlinesRejectsEmptyRange(t *testing.T) {
	d := NewKlineDownloaderWith(nil, 0, nil)
	now := time.Now()
	_, err := d.DownloadKlines(context.Background(), "BTCUSDT", "1m", filepath.Join(t.TempDir(), "x.csv"), now, now)
	assert.Error(t, err)
}

func TestLoadCandlesRejectsBadRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	require.NoError(t, os.WriteFile(path, []byte("open_time,open,high,low,close,volume\n1,2,3\n"), 0644))
	_, err := LoadCandles(path)
	assert.Error(t, err)
}
