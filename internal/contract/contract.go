// Package contract parses and formats market tickers and derives the market
// props they name.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/perp-engine/internal/model"
)

// tickerRegex matches: GM:{INDEX}/USD[{LONG}-{SHORT}]
// Example: GM:ETH/USD[ETH-USDC]
var tickerRegex = regexp.MustCompile(
	`^GM:([A-Z0-9]+)/USD\[([A-Z0-9]+)-([A-Z0-9]+)\]$`,
)

var (
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
	ErrInvalidMarket = errors.New("contract: invalid market tokens")
)

// Ticker is a parsed market ticker.
type Ticker struct {
	Ticker string      `json:"ticker"`
	Index  model.Token `json:"index_token"`
	Long   model.Token `json:"long_token"`
	Short  model.Token `json:"short_token"`
}

// ParseTicker parses and validates a market ticker string.
// Format: GM:{INDEX}/USD[{LONG}-{SHORT}]
func ParseTicker(ticker string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected GM:{INDEX}/USD[{LONG}-{SHORT}])",
			ErrInvalidTicker, ticker)
	}

	index, long, short := matches[1], matches[2], matches[3]
	if short == index && long != index {
		return nil, fmt.Errorf("%w: short token %s cannot be the index token", ErrInvalidMarket, short)
	}

	return &Ticker{
		Ticker: ticker,
		Index:  model.Token(index),
		Long:   model.Token(long),
		Short:  model.Token(short),
	}, nil
}

// MarketToken derives the market token symbol. The long token is omitted
// when it is the index token: GM:ETH/USD[ETH-USDC] is GM-ETH-USDC, while
// GM:ETH/USD[USDC-USDC] is GM-ETH-USDC-USDC.
func (t *Ticker) MarketToken() model.Token {
	parts := []string{"GM", string(t.Index)}
	if t.Long != t.Index {
		parts = append(parts, string(t.Long))
	}
	parts = append(parts, string(t.Short))
	return model.Token(strings.Join(parts, "-"))
}

// Props returns the market props the ticker names.
func (t *Ticker) Props() model.MarketProps {
	return model.MarketProps{
		MarketToken: t.MarketToken(),
		IndexToken:  t.Index,
		LongToken:   t.Long,
		ShortToken:  t.Short,
	}
}

// FormatTicker renders props as a ticker.
func FormatTicker(p model.MarketProps) string {
	return fmt.Sprintf("GM:%s/USD[%s-%s]", p.IndexToken, p.LongToken, p.ShortToken)
}

// ParseProps parses a ticker straight into market props.
func ParseProps(ticker string) (model.MarketProps, error) {
	t, err := ParseTicker(ticker)
	if err != nil {
		return model.MarketProps{}, err
	}
	return t.Props(), nil
}
