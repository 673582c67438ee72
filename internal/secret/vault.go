package secret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig holds connection and login settings for the Vault resolver.
type VaultConfig struct {
	Address    string
	AuthMethod string // "token", "approle", or "cert"
	Token      string
	RoleID     string
	SecretID   string
	CACert     string
	ClientCert string
	ClientKey  string
	Logger     *slog.Logger
}

// VaultResolver reads credentials from HashiCorp Vault. Reference format
// is "path/to/secret#key"; the key defaults to "value". KV v2 data
// wrappers are unwrapped transparently.
type VaultResolver struct {
	client *vault.Client
	logger *slog.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewVaultResolver logs in with the configured auth method and starts a
// token renewer for renewable leases.
func NewVaultResolver(cfg VaultConfig) (*VaultResolver, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &VaultResolver{
		client: client,
		logger: logger,
		stop:   make(chan struct{}),
	}

	var auth *vault.SecretAuth
	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			return nil, fmt.Errorf("vault token auth requires a token")
		}
		client.SetToken(cfg.Token)
	case "approle":
		secret, err := client.Logical().Write("auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault approle login returned no auth info")
		}
		auth = secret.Auth
	case "cert":
		secret, err := client.Logical().Write("auth/cert/login", nil)
		if err != nil {
			return nil, fmt.Errorf("vault cert login: %w", err)
		}
		if secret == nil || secret.Auth == nil {
			return nil, fmt.Errorf("vault cert login returned no auth info")
		}
		auth = secret.Auth
	default:
		return nil, fmt.Errorf("unknown vault auth method %q", cfg.AuthMethod)
	}

	if auth != nil {
		client.SetToken(auth.ClientToken)
		r.wg.Add(1)
		go r.renewToken(auth)
	}

	return r, nil
}

// Resolve implements Resolver.
func (r *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	secretPath := ref
	key := "value"
	if idx := strings.LastIndex(ref, "#"); idx != -1 {
		secretPath = ref[:idx]
		key = ref[idx+1:]
	}

	secret, err := r.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]any); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (r *VaultResolver) Close() error {
	close(r.stop)
	r.wg.Wait()
	return nil
}

func (r *VaultResolver) renewToken(auth *vault.SecretAuth) {
	defer r.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := r.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		r.logger.Error("create vault lifetime watcher", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-r.stop:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				r.logger.Error("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			r.logger.Debug("vault token renewed")
		}
	}
}
