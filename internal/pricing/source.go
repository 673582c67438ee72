package pricing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doublewordai/waycast/internal/config"
)

// Source supplies the current price list.
type Source interface {
	Prices(ctx context.Context) ([]Price, error)
}

// StaticSource serves prices fixed in configuration.
type StaticSource struct {
	prices []Price
}

// NewStaticSource converts configured prices. A bare per_token rate
// applies to both prompt and completion tokens unless overridden.
func NewStaticSource(entries []config.PriceConfig) *StaticSource {
	prices := make([]Price, 0, len(entries))
	for _, e := range entries {
		p := Price{
			Model:              e.Model,
			PromptPerToken:     e.PerToken,
			CompletionPerToken: e.PerToken,
		}
		if e.PromptPerToken > 0 {
			p.PromptPerToken = e.PromptPerToken
		}
		if e.CompletionPerToken > 0 {
			p.CompletionPerToken = e.CompletionPerToken
		}
		prices = append(prices, p)
	}
	return &StaticSource{prices: prices}
}

// Prices implements Source.
func (s *StaticSource) Prices(_ context.Context) ([]Price, error) {
	out := make([]Price, len(s.prices))
	copy(out, s.prices)
	return out, nil
}

// PostgresSource reads the model_prices table. The admin service owns the
// rows; the gateway refreshes its snapshot on an interval.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource wraps an existing database handle.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// EnsureSchema creates the model_prices table if it does not exist.
func (s *PostgresSource) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS model_prices (
	model                TEXT PRIMARY KEY,
	prompt_per_token     NUMERIC(20,12) NOT NULL DEFAULT 0,
	completion_per_token NUMERIC(20,12) NOT NULL DEFAULT 0,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure model_prices schema: %w", err)
	}
	return nil
}

// Prices implements Source.
func (s *PostgresSource) Prices(ctx context.Context) ([]Price, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, prompt_per_token, completion_per_token FROM model_prices`)
	if err != nil {
		return nil, fmt.Errorf("load model prices: %w", err)
	}
	defer rows.Close()

	var out []Price
	for rows.Next() {
		var p Price
		if err := rows.Scan(&p.Model, &p.PromptPerToken, &p.CompletionPerToken); err != nil {
			return nil, fmt.Errorf("scan model price: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load model prices: %w", err)
	}
	return out, nil
}
