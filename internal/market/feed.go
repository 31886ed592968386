package market

import (
	"context"
)

// PriceSource answers "what is the current price of symbol".
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// PriceFeed reads the websocket cache first and falls back to the provider ticker.
type PriceFeed struct {
	stream   *PriceStream
	provider Provider
}

// NewPriceFeed creates a feed. stream may be nil.
func NewPriceFeed(provider Provider, stream *PriceStream) *PriceFeed {
	return &PriceFeed{stream: stream, provider: provider}
}

// CurrentPrice implements PriceSource.
func (f *PriceFeed) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if f.stream != nil {
		if p, ok := f.stream.Price(symbol); ok {
			return p, nil
		}
	}
	t, err := f.provider.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.Last, nil
}
