// Package model defines the domain types shared by the perp engine: markets,
// prices, positions, orders, events and the error taxonomy.
//
// All amounts are *big.Int. USD values and factors carry 30 decimals; token
// amounts are in the token's smallest unit.
package model

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Token identifies an asset (index, collateral or market token).
type Token string

// TokenInfo describes a token known to the engine.
type TokenInfo struct {
	Symbol   Token `json:"symbol" yaml:"symbol"`
	Decimals int   `json:"decimals" yaml:"decimals"`
}

// MarketTokenDecimals is the precision of every market (LP) token.
const MarketTokenDecimals = 18

// MarketProps identifies a market and its tokens.
type MarketProps struct {
	MarketToken Token `json:"market_token"`
	IndexToken  Token `json:"index_token"`
	LongToken   Token `json:"long_token"`
	ShortToken  Token `json:"short_token"`
}

// IsSingleToken reports whether both collateral tokens are the same asset.
func (m MarketProps) IsSingleToken() bool { return m.LongToken == m.ShortToken }

// PnlToken returns the token realised profit is paid in for a side.
func (m MarketProps) PnlToken(isLong bool) Token {
	if isLong {
		return m.LongToken
	}
	return m.ShortToken
}

// IsCollateral reports whether t can back positions in this market.
func (m MarketProps) IsCollateral(t Token) bool {
	return t == m.LongToken || t == m.ShortToken
}

// CollateralBucket maps a collateral token to its bucket: true for the long
// token. In a single-token market everything lands in the long bucket.
func (m MarketProps) CollateralBucket(t Token) (bool, error) {
	switch t {
	case m.LongToken:
		return true, nil
	case m.ShortToken:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s not in market %s", ErrInvalidCollateralToken, t, m.MarketToken)
	}
}

// OtherToken returns the collateral token opposite to t.
func (m MarketProps) OtherToken(t Token) Token {
	if t == m.LongToken {
		return m.ShortToken
	}
	return m.LongToken
}

// Tokens lists the distinct tokens priced by this market.
func (m MarketProps) Tokens() []Token {
	out := []Token{m.IndexToken}
	for _, t := range []Token{m.LongToken, m.ShortToken} {
		dup := false
		for _, o := range out {
			if o == t {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks that every token is set.
func (m MarketProps) Validate() error {
	if m.MarketToken == "" || m.IndexToken == "" || m.LongToken == "" || m.ShortToken == "" {
		return fmt.Errorf("%w: market tokens must be set", ErrInvalidConfig)
	}
	return nil
}

// Price is a min/max price pair for one token unit. Settlement always picks
// the side that disadvantages the actor; the midpoint is only used to value
// imbalance for price impact.
type Price struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

// NewPrice builds a Price from min and max.
func NewPrice(min, max *big.Int) Price {
	return Price{Min: new(big.Int).Set(min), Max: new(big.Int).Set(max)}
}

// FlatPrice builds a Price with min == max.
func FlatPrice(p *big.Int) Price { return NewPrice(p, p) }

// Mid returns (min + max) / 2.
func (p Price) Mid() *big.Int {
	s := new(big.Int).Add(p.Min, p.Max)
	return s.Quo(s, big.NewInt(2))
}

// Pick returns max when maximize is set, min otherwise.
func (p Price) Pick(maximize bool) *big.Int {
	if maximize {
		return p.Max
	}
	return p.Min
}

// PickForPnl returns the price that maximises (or minimises) the PnL of a
// side: longs profit from a higher price, shorts from a lower one.
func (p Price) PickForPnl(isLong, maximize bool) *big.Int {
	if isLong {
		return p.Pick(maximize)
	}
	return p.Pick(!maximize)
}

// Validate rejects non-positive or inverted prices.
func (p Price) Validate() error {
	if p.Min == nil || p.Max == nil || p.Min.Sign() <= 0 || p.Max.Cmp(p.Min) < 0 {
		return ErrInvalidPrice
	}
	return nil
}

// OraclePrice is a price reported by the oracle together with its
// observation time.
type OraclePrice struct {
	Price
	Timestamp time.Time `json:"timestamp"`
}

// MarketPrices bundles the prices a market action needs.
type MarketPrices struct {
	Index Price `json:"index"`
	Long  Price `json:"long"`
	Short Price `json:"short"`
}

// Collateral returns the price of a collateral bucket.
func (mp MarketPrices) Collateral(isLongToken bool) Price {
	if isLongToken {
		return mp.Long
	}
	return mp.Short
}

// ForToken returns the price of t within the market.
func (mp MarketPrices) ForToken(props MarketProps, t Token) (Price, error) {
	switch t {
	case props.LongToken:
		return mp.Long, nil
	case props.ShortToken:
		return mp.Short, nil
	case props.IndexToken:
		return mp.Index, nil
	default:
		return Price{}, fmt.Errorf("%w: no price for %s in %s", ErrInvalidPrice, t, props.MarketToken)
	}
}

// Validate checks all three prices.
func (mp MarketPrices) Validate() error {
	return errors.Join(mp.Index.Validate(), mp.Long.Validate(), mp.Short.Validate())
}

// Pair holds one value per side (or per collateral bucket).
type Pair[T any] struct {
	Long  T `json:"long"`
	Short T `json:"short"`
}

// Get returns the long value when isLong, the short value otherwise.
func (p Pair[T]) Get(isLong bool) T {
	if isLong {
		return p.Long
	}
	return p.Short
}

// Set stores v for the side.
func (p *Pair[T]) Set(isLong bool, v T) {
	if isLong {
		p.Long = v
	} else {
		p.Short = v
	}
}

// BigPair is a Pair of big integers.
type BigPair = Pair[*big.Int]

// NewBigPair returns a pair of zeros.
func NewBigPair() BigPair {
	return BigPair{Long: new(big.Int), Short: new(big.Int)}
}

// CloneBigPair deep-copies p.
func CloneBigPair(p BigPair) BigPair {
	return BigPair{Long: cloneInt(p.Long), Short: cloneInt(p.Short)}
}

// Grid is a value per collateral bucket (outer) and side (inner).
type Grid = Pair[BigPair]

// NewGrid returns a grid of zeros.
func NewGrid() Grid {
	return Grid{Long: NewBigPair(), Short: NewBigPair()}
}

// CloneGrid deep-copies g.
func CloneGrid(g Grid) Grid {
	return Grid{Long: CloneBigPair(g.Long), Short: CloneBigPair(g.Short)}
}

// SideTotal sums a side across both collateral buckets.
func SideTotal(g Grid, isLong bool) *big.Int {
	return new(big.Int).Add(g.Long.Get(isLong), g.Short.Get(isLong))
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
