// Package pricing maps model aliases to per-token credit prices and
// computes request costs. Price patterns support a trailing '*' wildcard;
// the longest matching prefix wins, with exact matches taking precedence.
package pricing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doublewordai/waycast/pkg/types"
)

// Price is the credit cost per token for one model pattern.
type Price struct {
	Model              string
	PromptPerToken     float64
	CompletionPerToken float64
}

type wildcardPrice struct {
	prefix string
	price  Price
}

type table struct {
	exact     map[string]Price
	wildcards []wildcardPrice
}

func buildTable(prices []Price) *table {
	t := &table{exact: make(map[string]Price, len(prices))}
	for _, p := range prices {
		if strings.HasSuffix(p.Model, "*") {
			t.wildcards = append(t.wildcards, wildcardPrice{
				prefix: strings.ToLower(strings.TrimSuffix(p.Model, "*")),
				price:  p,
			})
			continue
		}
		t.exact[strings.ToLower(p.Model)] = p
	}
	// Longest prefix first so the most specific pattern wins.
	sort.Slice(t.wildcards, func(i, j int) bool {
		return len(t.wildcards[i].prefix) > len(t.wildcards[j].prefix)
	})
	return t
}

func (t *table) find(model string) (Price, bool) {
	lower := strings.ToLower(model)
	if p, ok := t.exact[lower]; ok {
		return p, true
	}
	for _, w := range t.wildcards {
		if strings.HasPrefix(lower, w.prefix) {
			return w.price, true
		}
	}
	return Price{}, false
}

// Calculator prices requests from a snapshot of the price list. The
// snapshot swaps atomically on refresh so readers never block.
type Calculator struct {
	source   Source
	snapshot atomic.Pointer[table]
	interval time.Duration
	logger   *slog.Logger
}

// NewCalculator creates a Calculator over a price source. Call Refresh
// once at startup and Watch for periodic refresh of dynamic sources.
func NewCalculator(source Source, refreshInterval time.Duration, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Calculator{source: source, interval: refreshInterval, logger: logger}
	c.snapshot.Store(buildTable(nil))
	return c
}

// Refresh loads the price list and swaps the snapshot.
func (c *Calculator) Refresh(ctx context.Context) error {
	prices, err := c.source.Prices(ctx)
	if err != nil {
		return err
	}
	c.snapshot.Store(buildTable(prices))
	return nil
}

// Watch refreshes on the configured interval until the context ends. A
// failed refresh keeps the current snapshot.
func (c *Calculator) Watch(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("price refresh failed, keeping current prices", "error", err)
			}
		}
	}
}

// Cost returns the credit cost for the given model and usage. The bool is
// false when no price pattern matches; such usage is not billed.
func (c *Calculator) Cost(model string, usage types.Usage) (float64, bool) {
	p, ok := c.snapshot.Load().find(model)
	if !ok {
		return 0, false
	}
	return float64(usage.PromptTokens)*p.PromptPerToken +
		float64(usage.CompletionTokens)*p.CompletionPerToken, true
}

// PriceFor returns the matched price for a model.
func (c *Calculator) PriceFor(model string) (Price, bool) {
	return c.snapshot.Load().find(model)
}
