package waycast

import (
	"log/slog"

	"github.com/doublewordai/waycast/internal/config"
)

// GatewayConfig collects everything New needs. Options mutate it in
// order; defaultGatewayConfig supplies the baseline.
type GatewayConfig struct {
	// Config is the full configuration tree. WithConfig replaces it
	// wholesale; the narrower options below edit it in place.
	Config *Config

	// Logger receives gateway logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Option adjusts the gateway assembly.
type Option func(*GatewayConfig)

func defaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{Config: config.DefaultConfig()}
}

// WithConfig replaces the whole configuration tree, typically one
// loaded with LoadConfig. Apply it before narrower options, or it
// overwrites their edits.
func WithConfig(cfg *Config) Option {
	return func(gc *GatewayConfig) {
		if cfg != nil {
			gc.Config = cfg
		}
	}
}

// WithLogger sets the logger for the gateway and every component it
// builds.
func WithLogger(logger *slog.Logger) Option {
	return func(gc *GatewayConfig) {
		gc.Logger = logger
	}
}

// WithDeployment adds an upstream deployment to the catalog.
//
//	waycast.WithDeployment(waycast.DeploymentConfig{
//		Alias:         "gpt-4o",
//		UpstreamURL:   "https://api.openai.com/v1",
//		Kind:          "openai",
//		ModelID:       "gpt-4o-2024-08-06",
//		CredentialRef: "env://OPENAI_API_KEY",
//	})
func WithDeployment(d DeploymentConfig) Option {
	return func(gc *GatewayConfig) {
		gc.Config.Deployments = append(gc.Config.Deployments, d)
	}
}

// WithStaticKey seeds an API key without a database. The entry carries
// the key's hash, never the key itself.
func WithStaticKey(k StaticKeyConfig) Option {
	return func(gc *GatewayConfig) {
		gc.Config.Auth.StaticKeys = append(gc.Config.Auth.StaticKeys, k)
	}
}

// WithPrice adds a static price entry. Model patterns may use *
// wildcards; the first matching entry wins.
func WithPrice(p PriceConfig) Option {
	return func(gc *GatewayConfig) {
		gc.Config.Pricing.Static = append(gc.Config.Pricing.Static, p)
	}
}

// WithDebitPolicy sets how usage debits behave at zero balance:
// "reject", "clamp", or "allow_negative".
func WithDebitPolicy(policy string) Option {
	return func(gc *GatewayConfig) {
		gc.Config.Ledger.DebitPolicy = policy
	}
}
