// Package waycast is a control-plane gateway for AI model-serving
// endpoints. It fronts OpenAI-compatible and OpenAI-adjacent upstreams
// behind a single surface and wraps every relay in the controls a
// serving platform needs: API-key, service-token, and OIDC
// authentication, role-based authorization, per-subject rate limiting,
// credit accounting with token pricing, health probes, and an audit
// trail.
//
// Waycast runs in two modes:
//
//   - Gateway mode: the cmd/waycast binary loads a YAML config file and
//     serves the full HTTP surface, the /ai/v1 data plane plus the
//     /admin control plane.
//   - Library mode: embed a Gateway in an existing process and mount
//     Handler() wherever an http.Handler fits.
//
// Basic usage:
//
//	gw, err := waycast.New(ctx,
//		waycast.WithDeployment(waycast.DeploymentConfig{
//			Alias:         "gpt-4o",
//			UpstreamURL:   "https://api.openai.com/v1",
//			Kind:          "openai",
//			ModelID:       "gpt-4o-2024-08-06",
//			CredentialRef: "env://OPENAI_API_KEY",
//		}),
//		waycast.WithStaticKey(waycast.StaticKeyConfig{
//			KeyHash: waycast.HashKey(os.Getenv("WAYCAST_KEY")),
//			UserID:  "11111111-1111-1111-1111-111111111111",
//			Email:   "dev@example.com",
//		}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer gw.Close(context.Background())
//
//	http.ListenAndServe(":8080", gw.Handler())
package waycast

import (
	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/internal/proxy"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
	"github.com/doublewordai/waycast/pkg/types"
)

// Version is the current waycast version.
const Version = "0.1.0"

// Wire types relayed on the data plane, re-exported for convenience.
type (
	ChatRequest       = types.ChatRequest
	ChatMessage       = types.ChatMessage
	ChatResponse      = types.ChatResponse
	CompletionRequest = types.CompletionRequest
	EmbeddingRequest  = types.EmbeddingRequest
	RerankRequest     = types.RerankRequest
	StreamChunk       = types.StreamChunk
	Usage             = types.Usage
	Model             = types.Model
	ModelList         = types.ModelList
)

// Control-plane types.
type (
	Error           = gatewayerr.Error
	Principal       = auth.Principal
	Role            = auth.Role
	Deployment      = router.Deployment
	Transaction     = ledger.Transaction
	TransactionType = ledger.TransactionType
	ProbeResult     = proxy.ProbeResult
)

// Configuration types, aliased so embedding applications never import
// internal packages.
type (
	Config           = config.Config
	DeploymentConfig = config.DeploymentConfig
	StaticKeyConfig  = config.StaticKeyConfig
	PriceConfig      = config.PriceConfig
)

// Transaction types accepted by the ledger.
const (
	TypeUsage        = ledger.TypeUsage
	TypePurchase     = ledger.TypePurchase
	TypeAdminGrant   = ledger.TypeAdminGrant
	TypeAdminRemoval = ledger.TypeAdminRemoval
)

// Roles known to the authorizer.
const (
	RoleStandardUser    = auth.RoleStandardUser
	RolePlatformManager = auth.RolePlatformManager
	RoleBillingManager  = auth.RoleBillingManager
	RoleRequestViewer   = auth.RoleRequestViewer
)

// DefaultConfig returns the configuration a Gateway starts from before
// options and YAML overlays are applied.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads a YAML config file over the defaults and validates
// the result.
func LoadConfig(path string) (*Config, error) {
	return config.LoadFromFile(path)
}

// GenerateAPIKey mints a new API key. The full key is shown once to the
// caller; only the hash is stored.
func GenerateAPIKey() (fullKey, hash string, err error) {
	return auth.GenerateAPIKey()
}

// HashKey derives the stored digest of an API key, for static key
// configuration.
func HashKey(key string) string {
	return auth.HashKey(key)
}
