package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	FuturesMarkPriceStream = "wss://fstream.binance.com/ws/!markPrice@arr@1s"
	SpotMiniTickerStream   = "wss://stream.binance.com:9443/ws/!miniTicker@arr"
)

type streamEntry struct {
	price float64
	at    time.Time
}

// PriceStream keeps the latest price per symbol from a Binance all-market websocket stream.
type PriceStream struct {
	url    string
	quote  string
	maxAge time.Duration
	logger *zap.Logger

	mu     sync.RWMutex
	prices map[string]streamEntry
	now    func() time.Time
}

// NewPriceStream creates a stream cache. Entries older than maxAge are ignored by Price.
func NewPriceStream(url, quote string, maxAge time.Duration, logger *zap.Logger) *PriceStream {
	return &PriceStream{
		url:    url,
		quote:  strings.ToUpper(quote),
		maxAge: maxAge,
		logger: logger,
		prices: make(map[string]streamEntry),
		now:    time.Now,
	}
}

// Price returns a fresh cached price for the base symbol.
func (s *PriceStream) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.prices[BaseSymbol(symbol)]
	if !ok || s.now().Sub(e.at) > s.maxAge {
		return 0, false
	}
	return e.price, true
}

// Run 维持websocket连接, 断开后自动重连, 直到ctx结束
func (s *PriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn("price stream dial failed, retrying in 5s", zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}
		s.logger.Info("price stream connected", zap.String("url", s.url))
		if err := s.consume(ctx, conn); err != nil && ctx.Err() == nil {
			s.logger.Warn("price stream dropped", zap.Error(err))
		}
		conn.Close()
		if !sleepCtx(ctx, 5*time.Second) {
			return
		}
	}
}

func (s *PriceStream) consume(ctx context.Context, conn *websocket.Conn) error {
	const pongWait = 60 * time.Second

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := s.handleMessage(message); err != nil {
			s.logger.Debug("skipping stream message", zap.Error(err))
		}
	}
}

// streamItem covers both markPriceUpdate ("p") and 24hrMiniTicker ("c") payloads.
type streamItem struct {
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	Close     string `json:"c"`
}

func (s *PriceStream) handleMessage(message []byte) error {
	var items []streamItem
	if err := json.Unmarshal(message, &items); err != nil {
		var single streamItem
		if err := json.Unmarshal(message, &single); err != nil {
			return err
		}
		items = []streamItem{single}
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if !strings.HasSuffix(it.Symbol, s.quote) {
			continue
		}
		raw := it.MarkPrice
		if raw == "" {
			raw = it.Close
		}
		price := parseDecimal(raw)
		if price <= 0 {
			continue
		}
		s.prices[BaseSymbol(it.Symbol)] = streamEntry{price: price, at: now}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
