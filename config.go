package apix

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the environment-driven configuration for the middleware.
// Zero-config development use falls back to an in-memory store and a
// local facilitator; production deployments must opt into either a
// remote session authority or a durable store.
type Config struct {
	// Environment is the deployment environment name. Production enables
	// the durability guards in Validate.
	Environment string `env:"APIX_ENV" envDefault:"development"`

	// Secret is the shared credential signing secret.
	Secret string `env:"APIX_JWT_SECRET"`

	// FacilitatorURL is the base URL of the payment facilitator.
	FacilitatorURL string `env:"APIX_FACILITATOR_URL" envDefault:"http://localhost:8080"`

	// SessionAuthorityURL is the base URL of the remote session authority.
	// Defaults to FacilitatorURL when delegation is enabled.
	SessionAuthorityURL string `env:"APIX_SESSION_AUTHORITY_URL"`

	// UseCloudSessionState delegates session transitions to the remote
	// session authority so multiple middleware instances share quota.
	UseCloudSessionState bool `env:"APIX_USE_CLOUD_SESSION_STATE"`

	// SessionStorePath enables the durable file-backed session store.
	SessionStorePath string `env:"APIX_SESSION_STORE_PATH"`

	// DefaultQuota is used when a credential carries no max_requests claim.
	DefaultQuota int `env:"APIX_DEFAULT_QUOTA" envDefault:"10"`
}

// ParseConfig loads configuration from the environment.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse apix config: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	return cfg, cfg.Validate()
}

// Validate enforces the configuration invariants: a signing secret is
// always required; production additionally requires shared or durable
// session state so quota survives restarts and scales past one instance.
func (c Config) Validate() error {
	if c.Secret == "" {
		return ErrMissingSecret
	}
	if c.IsProduction() && !c.UseCloudSessionState {
		return ErrMissingAuthority
	}
	return nil
}

// IsProduction reports whether the environment is production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// AuthorityURL returns the session authority base URL, falling back to
// the facilitator URL since facilitators usually co-host the authority.
func (c Config) AuthorityURL() string {
	if c.SessionAuthorityURL != "" {
		return c.SessionAuthorityURL
	}
	return c.FacilitatorURL
}

// NewStore builds the configured local session store: file-backed when a
// path is set, in-memory otherwise. An in-memory store is refused in
// production since quota would not survive a restart.
func (c Config) NewStore() (SessionStore, error) {
	if c.SessionStorePath != "" {
		return NewFileStore(c.SessionStorePath)
	}
	if c.IsProduction() {
		return nil, ErrMissingDurableStore
	}
	return NewMemoryStore(), nil
}
