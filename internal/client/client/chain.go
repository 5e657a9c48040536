package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/logging"
)

// Tier is one step of a fallback chain.
type Tier struct {
	Selector Selector
	Timeout  time.Duration
}

// Chain resolves reads by trying its tiers in order. Each tier gets its own
// timeout and the first success wins. When every tier fails the result is a
// connectivity ErrAllTransportsFailed carrying the per-tier errors.
type Chain struct {
	tiers  []Tier
	logger logging.Logger
}

func NewChain(logger logging.Logger, tiers ...Tier) *Chain {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Chain{tiers: tiers, logger: logger}
}

func (c *Chain) Name() string { return "chain" }

// Tiers returns the tier names in order.
func (c *Chain) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Selector.Name()
	}
	return names
}

type selectResult struct {
	data []byte
	err  error
}

func (c *Chain) Select(ctx context.Context, q Query) ([]byte, error) {
	var errs []error
	for i, t := range c.tiers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := c.try(ctx, t, q)
		if err == nil {
			if i > 0 {
				c.logger.Info(ctx, "fallback tier succeeded", "tier", t.Selector.Name(), "table", q.Table)
			}
			return data, nil
		}

		c.logger.Warn(ctx, "tier failed", "tier", t.Selector.Name(), "table", q.Table, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", t.Selector.Name(), err))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, common.Connectivity("chain.select", common.ErrAllTransportsFailed).WithMsg(errors.Join(errs...).Error())
}

// try abandons a tier that ignores its context once the timeout passes.
func (c *Chain) try(ctx context.Context, t Tier, q Query) ([]byte, error) {
	if t.Timeout <= 0 {
		return t.Selector.Select(ctx, q)
	}

	tctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	done := make(chan selectResult, 1)
	go func() {
		data, err := t.Selector.Select(tctx, q)
		done <- selectResult{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-tctx.Done():
		return nil, common.Connectivity(t.Selector.Name(), fmt.Errorf("%w after %s", common.ErrTimeout, t.Timeout))
	}
}
