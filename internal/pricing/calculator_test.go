package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/pkg/types"
)

func newTestCalculator(t *testing.T, prices []Price) *Calculator {
	t.Helper()
	c := NewCalculator(&StaticSource{prices: prices}, 0, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return c
}

func TestCost(t *testing.T) {
	c := newTestCalculator(t, []Price{
		{Model: "gpt-4o", PromptPerToken: 0.000005, CompletionPerToken: 0.000015},
		{Model: "gpt-4o-mini", PromptPerToken: 0.00000015, CompletionPerToken: 0.0000006},
		{Model: "claude-*", PromptPerToken: 0.000003, CompletionPerToken: 0.000015},
		{Model: "claude-opus*", PromptPerToken: 0.000015, CompletionPerToken: 0.000075},
	})

	tests := []struct {
		name    string
		model   string
		usage   types.Usage
		want    float64
		matched bool
	}{
		{
			"exact match",
			"gpt-4o",
			types.Usage{PromptTokens: 1000, CompletionTokens: 500},
			1000*0.000005 + 500*0.000015,
			true,
		},
		{
			"exact beats wildcard on specificity",
			"gpt-4o-mini",
			types.Usage{PromptTokens: 1000},
			1000 * 0.00000015,
			true,
		},
		{
			"longest wildcard prefix wins",
			"claude-opus-4",
			types.Usage{PromptTokens: 100, CompletionTokens: 100},
			100*0.000015 + 100*0.000075,
			true,
		},
		{
			"shorter wildcard catches the rest",
			"claude-haiku-3",
			types.Usage{PromptTokens: 100},
			100 * 0.000003,
			true,
		},
		{
			"case insensitive",
			"GPT-4O",
			types.Usage{CompletionTokens: 10},
			10 * 0.000015,
			true,
		},
		{
			"unknown model is free",
			"mystery-model",
			types.Usage{PromptTokens: 1000, CompletionTokens: 1000},
			0,
			false,
		},
		{
			"zero usage",
			"gpt-4o",
			types.Usage{},
			0,
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, matched := c.Cost(tt.model, tt.usage)
			if matched != tt.matched {
				t.Fatalf("Cost() matched = %v, want %v", matched, tt.matched)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Cost() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewStaticSource_PerTokenFallback(t *testing.T) {
	src := NewStaticSource([]config.PriceConfig{
		{Model: "flat", PerToken: 0.000002},
		{Model: "split", PerToken: 0.000002, CompletionPerToken: 0.000009},
	})
	prices, err := src.Prices(context.Background())
	if err != nil {
		t.Fatalf("Prices() error = %v", err)
	}

	if prices[0].PromptPerToken != 0.000002 || prices[0].CompletionPerToken != 0.000002 {
		t.Errorf("flat price not applied to both sides: %+v", prices[0])
	}
	if prices[1].PromptPerToken != 0.000002 || prices[1].CompletionPerToken != 0.000009 {
		t.Errorf("split completion rate not honored: %+v", prices[1])
	}
}

type flakySource struct {
	prices []Price
	fail   bool
}

func (s *flakySource) Prices(_ context.Context) ([]Price, error) {
	if s.fail {
		return nil, errors.New("db unavailable")
	}
	return s.prices, nil
}

func TestRefresh_FailureKeepsSnapshot(t *testing.T) {
	src := &flakySource{prices: []Price{{Model: "gpt-4o", PromptPerToken: 0.000005}}}
	c := NewCalculator(src, 0, nil)
	ctx := context.Background()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := c.PriceFor("gpt-4o"); !ok {
		t.Fatal("price missing after successful refresh")
	}

	src.fail = true
	if err := c.Refresh(ctx); err == nil {
		t.Fatal("Refresh() should surface source errors")
	}
	if _, ok := c.PriceFor("gpt-4o"); !ok {
		t.Error("failed refresh dropped the existing snapshot")
	}
}
