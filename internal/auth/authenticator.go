package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

// touchTimeout bounds the background last-used update for an API key.
const touchTimeout = 5 * time.Second

// AuthenticatorConfig wires an Authenticator. Store is required; the other
// credential sources are optional and resolution skips the ones left nil.
type AuthenticatorConfig struct {
	Store          Store
	KeyCacheTTL    time.Duration
	ServiceTokens  *ServiceTokenVerifier
	OIDC           *OIDCVerifier
	TrustedProxies []string
	UserHeader     string
	GroupsHeader   string
	Logger         *slog.Logger
}

// Authenticator resolves inbound HTTP credentials to a Principal. Four
// credential kinds are recognized, tried in order: gateway API keys,
// service tokens, OIDC bearer tokens, and trusted proxy headers.
type Authenticator struct {
	store        Store
	keys         *cache.Cache
	keyTTL       time.Duration
	serviceToken *ServiceTokenVerifier
	oidc         *OIDCVerifier
	trusted      []*net.IPNet
	userHeader   string
	groupsHeader string
	logger       *slog.Logger
}

// NewAuthenticator builds an Authenticator from its configuration.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.KeyCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	trusted := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.New("auth: invalid trusted proxy CIDR " + cidr)
		}
		trusted = append(trusted, ipnet)
	}

	return &Authenticator{
		store:        cfg.Store,
		keys:         cache.New(ttl, 2*ttl),
		keyTTL:       ttl,
		serviceToken: cfg.ServiceTokens,
		oidc:         cfg.OIDC,
		trusted:      trusted,
		userHeader:   cfg.UserHeader,
		groupsHeader: cfg.GroupsHeader,
		logger:       logger,
	}, nil
}

// Authenticate resolves the request credentials to a Principal. It returns
// an authentication error when no recognized credential is present or the
// presented credential is invalid.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	token := BearerToken(r.Header.Get("Authorization"))

	switch {
	case token != "" && IsAPIKey(token):
		return a.authenticateKey(ctx, token)
	case token != "":
		return a.authenticateToken(ctx, token)
	default:
		if p, ok, err := a.authenticateTrustedHeader(ctx, r); ok {
			return p, err
		}
		return nil, gatewayerr.NewAuthentication("missing credentials")
	}
}

// InvalidateKey drops a cached key entry. Admin key revocation calls this
// so the change takes effect before the cache TTL elapses.
func (a *Authenticator) InvalidateKey(hash string) {
	a.keys.Delete(hash)
}

func (a *Authenticator) authenticateKey(ctx context.Context, token string) (*Principal, error) {
	hash := HashKey(token)

	if v, ok := a.keys.Get(hash); ok {
		entry := v.(*cachedKey)
		a.touchAsync(entry.keyID)
		return entry.principal.clone(), nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, gatewayerr.NewAuthentication("invalid API key")
	}
	if err != nil {
		return nil, err
	}
	if !key.Active {
		return nil, gatewayerr.NewAuthentication("API key is disabled")
	}
	if key.Expired(time.Now()) {
		return nil, gatewayerr.NewAuthentication("API key has expired")
	}

	user, err := a.store.GetUserByID(ctx, key.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, gatewayerr.NewAuthentication("invalid API key")
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, gatewayerr.NewAuthentication("user account is disabled")
	}

	models := key.Models
	if len(models) == 0 {
		models = user.Models
	}
	p := &Principal{
		UserID: user.ID,
		Email:  user.Email,
		Roles:  user.Roles,
		Admin:  user.Admin,
		KeyID:  &key.ID,
		Models: models,
	}

	a.keys.Set(hash, &cachedKey{keyID: key.ID, principal: p.clone()}, a.keyTTL)
	a.touchAsync(key.ID)
	return p, nil
}

// authenticateToken handles non-key bearer tokens. JWTs are checked against
// the service token verifier first, then the OIDC verifier.
func (a *Authenticator) authenticateToken(ctx context.Context, token string) (*Principal, error) {
	if a.serviceToken != nil && looksLikeJWT(token) {
		if p, err := a.serviceToken.Verify(token); err == nil {
			return p, nil
		} else if a.oidc == nil {
			a.logger.Debug("service token rejected", "error", err)
			return nil, gatewayerr.NewAuthentication("invalid service token")
		}
	}

	if a.oidc != nil {
		identity, err := a.oidc.Verify(ctx, token)
		if err != nil {
			a.logger.Debug("oidc token rejected", "error", err)
			return nil, gatewayerr.NewAuthentication("invalid bearer token")
		}
		return a.principalForEmail(ctx, identity.Email, identity.Roles)
	}

	return nil, gatewayerr.NewAuthentication("unrecognized bearer token")
}

// authenticateTrustedHeader resolves an identity header set by a fronting
// proxy. The header is honored only when the peer address falls inside a
// configured trusted CIDR. The bool reports whether this path applied.
func (a *Authenticator) authenticateTrustedHeader(ctx context.Context, r *http.Request) (*Principal, bool, error) {
	if a.userHeader == "" || len(a.trusted) == 0 {
		return nil, false, nil
	}
	email := r.Header.Get(a.userHeader)
	if email == "" {
		return nil, false, nil
	}
	if !a.trustedPeer(r.RemoteAddr) {
		a.logger.Warn("identity header from untrusted peer", "peer", r.RemoteAddr)
		return nil, true, gatewayerr.NewAuthentication("missing credentials")
	}

	var extra []Role
	if a.groupsHeader != "" {
		for _, name := range strings.Split(r.Header.Get(a.groupsHeader), ",") {
			if role, ok := ParseRole(strings.TrimSpace(name)); ok {
				extra = append(extra, role)
			}
		}
	}

	p, err := a.principalForEmail(ctx, email, extra)
	return p, true, err
}

// principalForEmail loads the user record for an externally verified
// identity and merges any roles asserted by the credential itself.
func (a *Authenticator) principalForEmail(ctx context.Context, email string, assertedRoles []Role) (*Principal, error) {
	user, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, gatewayerr.NewAuthentication("unknown user")
	}
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, gatewayerr.NewAuthentication("user account is disabled")
	}

	p := &Principal{
		UserID: user.ID,
		Email:  user.Email,
		Roles:  mergeRoles(user.Roles, assertedRoles),
		Admin:  user.Admin,
		Models: user.Models,
	}
	return p, nil
}

func (a *Authenticator) trustedPeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (a *Authenticator) touchAsync(keyID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := a.store.TouchKey(ctx, keyID); err != nil && !errors.Is(err, ErrNotFound) {
			a.logger.Debug("touch api key", "key_id", keyID, "error", err)
		}
	}()
}

type cachedKey struct {
	keyID     uuid.UUID
	principal *Principal
}

func (p *Principal) clone() *Principal {
	cp := *p
	cp.Roles = append([]Role(nil), p.Roles...)
	cp.Models = append([]string(nil), p.Models...)
	if p.KeyID != nil {
		id := *p.KeyID
		cp.KeyID = &id
	}
	return &cp
}

func mergeRoles(a, b []Role) []Role {
	seen := make(map[Role]bool, len(a)+len(b))
	out := make([]Role, 0, len(a)+len(b))
	for _, r := range a {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, r := range b {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
