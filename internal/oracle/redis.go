package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// RedisFeed reads prices published by an external keeper. Each token is a
// hash at price:{token} with integer fields min and max and a unix-second
// field ts.
type RedisFeed struct {
	rdb redis.Cmdable
}

// NewRedisFeed creates a feed over rdb.
func NewRedisFeed(rdb redis.Cmdable) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func priceKey(t model.Token) string { return fmt.Sprintf("price:%s", t) }

// Prices reads all tokens in one pipeline.
func (f *RedisFeed) Prices(ctx context.Context, tokens []model.Token) (map[model.Token]model.OraclePrice, error) {
	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	_, err := f.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, t := range tokens {
			cmds[i] = p.HGetAll(ctx, priceKey(t))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}

	out := make(map[model.Token]model.OraclePrice, len(tokens))
	for i, t := range tokens {
		p, err := parsePrice(cmds[i].Val())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		out[t] = p
	}
	return out, nil
}

// Publish writes a price in the layout Prices reads.
func (f *RedisFeed) Publish(ctx context.Context, t model.Token, p model.OraclePrice) error {
	return f.rdb.HSet(ctx, priceKey(t),
		"min", p.Min.String(),
		"max", p.Max.String(),
		"ts", strconv.FormatInt(p.Timestamp.Unix(), 10),
	).Err()
}

func parsePrice(fields map[string]string) (model.OraclePrice, error) {
	if len(fields) == 0 {
		return model.OraclePrice{}, fmt.Errorf("%w: no price published", model.ErrInvalidPrice)
	}
	lo, ok := new(big.Int).SetString(fields["min"], 10)
	if !ok {
		return model.OraclePrice{}, fmt.Errorf("%w: bad min %q", model.ErrInvalidPrice, fields["min"])
	}
	hi, ok := new(big.Int).SetString(fields["max"], 10)
	if !ok {
		return model.OraclePrice{}, fmt.Errorf("%w: bad max %q", model.ErrInvalidPrice, fields["max"])
	}
	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return model.OraclePrice{}, fmt.Errorf("%w: bad ts %q", model.ErrInvalidPrice, fields["ts"])
	}
	p := model.OraclePrice{Price: model.Price{Min: lo, Max: hi}, Timestamp: time.Unix(ts, 0).UTC()}
	if err := p.Validate(); err != nil {
		return model.OraclePrice{}, err
	}
	return p, nil
}
