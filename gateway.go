package waycast

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/waycast/internal/api"
	"github.com/doublewordai/waycast/internal/audit"
	"github.com/doublewordai/waycast/internal/auth"
	"github.com/doublewordai/waycast/internal/config"
	"github.com/doublewordai/waycast/internal/ledger"
	"github.com/doublewordai/waycast/internal/metrics"
	"github.com/doublewordai/waycast/internal/pricing"
	"github.com/doublewordai/waycast/internal/proxy"
	"github.com/doublewordai/waycast/internal/ratelimit"
	"github.com/doublewordai/waycast/internal/router"
	"github.com/doublewordai/waycast/internal/secret"
	"github.com/doublewordai/waycast/internal/tracing"
)

// dbPoolPollInterval is how often pool gauges are refreshed when a
// database is attached.
const dbPoolPollInterval = 15 * time.Second

// Gateway is the assembled pipeline: authentication, admission,
// routing, relay, settlement, and audit behind a single http.Handler.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	secrets  *secret.Registry
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	router   *router.Router
	engine   *proxy.Engine
	ledger   *ledger.Service
	pricing  *pricing.Calculator
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	tracing  *tracing.Provider

	handler http.Handler

	db     *sql.DB
	redis  *redis.Client
	cancel context.CancelFunc
}

// New assembles a Gateway from options. The context bounds startup work
// only: secret resolution, OIDC discovery, sink setup, and the first
// price load.
//
// Stores follow the configuration: postgres-backed when
// database.enabled is set, seeded in-memory stores otherwise.
func New(ctx context.Context, opts ...Option) (*Gateway, error) {
	gc := defaultGatewayConfig()
	for _, opt := range opts {
		opt(gc)
	}
	cfg := gc.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := gc.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{cfg: cfg, logger: logger}
	assembled := false
	defer func() {
		if !assembled {
			_ = g.Close(context.Background())
		}
	}()

	secrets, err := secret.NewFromConfig(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("secret registry: %w", err)
	}
	g.secrets = secrets

	if cfg.Database.Enabled {
		db, err := sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		g.db = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
	}

	principals, err := g.buildPrincipalStore()
	if err != nil {
		return nil, err
	}

	var serviceTokens *auth.ServiceTokenVerifier
	if cfg.Auth.ServiceTokenSecret != "" {
		tokenSecret, err := g.secrets.Resolve(ctx, cfg.Auth.ServiceTokenSecret)
		if err != nil {
			return nil, fmt.Errorf("resolve service token secret: %w", err)
		}
		serviceTokens = auth.NewServiceTokenVerifier([]byte(tokenSecret), cfg.Auth.ServiceTokenIssuer)
	}

	var oidcVerifier *auth.OIDCVerifier
	if cfg.Auth.OIDC.Enabled {
		oidcVerifier, err = auth.NewOIDCVerifier(ctx, cfg.Auth.OIDC.IssuerURL, cfg.Auth.OIDC.ClientID, cfg.Auth.OIDC.GroupRoles)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
	}

	g.auth, err = auth.NewAuthenticator(auth.AuthenticatorConfig{
		Store:          principals,
		KeyCacheTTL:    cfg.Auth.KeyCacheTTL,
		ServiceTokens:  serviceTokens,
		OIDC:           oidcVerifier,
		TrustedProxies: cfg.Auth.TrustedProxies,
		UserHeader:     cfg.Auth.TrustedUserHeader,
		GroupsHeader:   cfg.Auth.TrustedGroupsHeader,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	var catalog router.Store
	if g.db != nil {
		catalog = router.NewPostgresStore(g.db)
	} else {
		catalog = router.NewMemoryStoreFromConfig(cfg.Deployments)
	}
	g.router = router.New(catalog, 0, logger)

	var ledgerStore ledger.Store
	if g.db != nil {
		ledgerStore = ledger.NewPostgresStore(g.db)
	} else {
		ledgerStore = ledger.NewMemoryStore()
	}
	g.ledger = ledger.NewService(ledgerStore, cfg.Ledger.DebitPolicy, logger)

	var prices pricing.Source
	if cfg.Pricing.Source == "postgres" {
		prices = pricing.NewPostgresSource(g.db)
	} else {
		prices = pricing.NewStaticSource(cfg.Pricing.Static)
	}
	g.pricing = pricing.NewCalculator(prices, cfg.Pricing.RefreshInterval, logger)
	if err := g.pricing.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}

	g.tracing, err = tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	var sinks []audit.Sink
	if cfg.Audit.Log.Enabled {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.Audit.Redis.Enabled {
		g.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sinks = append(sinks, audit.NewRedisSink(g.redis, cfg.Audit.Redis))
	}
	if cfg.Audit.S3.Enabled {
		s3Sink, err := audit.NewS3Sink(ctx, cfg.Audit.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 audit sink: %w", err)
		}
		sinks = append(sinks, s3Sink)
	}
	if len(sinks) > 0 {
		g.recorder = audit.NewRecorder(cfg.Audit, logger, sinks...)
	}

	g.metrics = metrics.New()
	if g.recorder != nil {
		if err := g.metrics.RegisterAuditDropped(g.recorder.Dropped); err != nil {
			return nil, fmt.Errorf("audit drop gauge: %w", err)
		}
	}

	g.limiter = ratelimit.New(cfg.RateLimit, logger)
	g.engine = proxy.New(cfg.Proxy, g.secrets, logger)

	bctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.pricing.Watch(bctx)
	if g.db != nil {
		go g.metrics.PollDBPool(bctx, g.db, dbPoolPollInterval)
	}

	h := api.NewHandler(api.HandlerConfig{
		Authenticator: g.auth,
		Limiter:       g.limiter,
		Router:        g.router,
		Engine:        g.engine,
		Ledger:        g.ledger,
		Pricing:       g.pricing,
		Recorder:      g.recorder,
		Metrics:       g.metrics,
		Tracing:       g.tracing,
		Logger:        logger,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		Probes:        cfg.Probes,
		MetricsRoute:  cfg.Metrics,
	})
	g.handler = h.Routes()

	logger.Info("waycast gateway assembled",
		"version", Version,
		"database", cfg.Database.Enabled,
		"deployments", len(cfg.Deployments),
		"audit_sinks", len(sinks))
	assembled = true
	return g, nil
}

// buildPrincipalStore picks the identity backend: postgres when a
// database is attached, with config-seeded static keys layered behind
// it so break-glass keys survive a database outage.
func (g *Gateway) buildPrincipalStore() (auth.Store, error) {
	seeded, err := auth.NewStaticStore(g.cfg.Auth.StaticKeys)
	if err != nil {
		return nil, fmt.Errorf("static keys: %w", err)
	}
	if g.db == nil {
		return seeded, nil
	}
	if len(g.cfg.Auth.StaticKeys) == 0 {
		return auth.NewPostgresStore(g.db), nil
	}
	return &auth.FallbackStore{
		Primary:   auth.NewPostgresStore(g.db),
		Secondary: seeded,
	}, nil
}

// Handler returns the gateway's HTTP surface: the /ai/v1 data plane,
// the /admin control plane, /healthz, and the metrics route when
// enabled.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Ledger exposes the credit ledger for library-mode provisioning, such
// as granting credit before any traffic arrives.
func (g *Gateway) Ledger() *ledger.Service { return g.ledger }

// Close stops background work and releases everything the gateway
// owns. The context bounds the audit drain and the tracing flush.
func (g *Gateway) Close(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	var errs []error
	if g.recorder != nil {
		if err := g.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit recorder: %w", err))
		}
	}
	if g.tracing != nil {
		if err := g.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}
	if g.limiter != nil {
		g.limiter.Close()
	}
	if g.engine != nil {
		g.engine.Close()
	}
	if g.secrets != nil {
		if err := g.secrets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("secret registry: %w", err))
		}
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if g.db != nil {
		if err := g.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	g.logger.Info("waycast gateway closed")
	return errors.Join(errs...)
}
