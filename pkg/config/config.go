// Package config holds the DIRAC authorization server configuration: the
// server settings, the known-clients table, the per-VO identity provider
// endpoints and the DIRAC registry snapshot (VOs, groups, users, properties).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Flow and token lifetimes applied when the configuration does not override
// them.
const (
	DefaultDeviceFlowLifetime        = 600 * time.Second
	DefaultAuthorizationFlowLifetime = 300 * time.Second
	DefaultAccessTokenLifetime       = 180000 * time.Second
)

// ClientConfig describes a known OAuth client of the DIRAC AS.
// All clients are public; PKCE is mandatory for the authorization code flow.
type ClientConfig struct {
	AllowedRedirects []string `mapstructure:"allowed_redirects"`
}

// IdPConfig describes the upstream OIDC identity provider for a VO.
// The provider metadata is discovered from {Issuer}/.well-known/openid-configuration.
type IdPConfig struct {
	Issuer   string `mapstructure:"issuer"`
	ClientID string `mapstructure:"client_id"`
}

// SigningConfig selects the key material used to sign DIRAC tokens.
// With an empty KeyFile an ephemeral key is generated at startup; tokens
// then become invalid on restart, which is acceptable only for development.
type SigningConfig struct {
	KeyFile   string `mapstructure:"key_file"`
	Algorithm string `mapstructure:"algorithm"`
}

// RedisConfig holds the connection settings for the Redis flow store backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig selects the flow store backend.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// Config is the process-wide configuration snapshot. It is loaded once at
// startup and treated as read-only afterwards; handlers receive it explicitly
// rather than through package globals.
type Config struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	Listen   string `mapstructure:"listen"`

	// ExternalURL is the base URL under which clients reach this server.
	// When empty, callback URLs are derived from the incoming request.
	ExternalURL string `mapstructure:"external_url"`

	AccessTokenLifetime       time.Duration `mapstructure:"access_token_lifetime"`
	DeviceFlowLifetime        time.Duration `mapstructure:"device_flow_lifetime"`
	AuthorizationFlowLifetime time.Duration `mapstructure:"authorization_flow_lifetime"`

	Signing  SigningConfig           `mapstructure:"signing"`
	Clients  map[string]ClientConfig `mapstructure:"clients"`
	IdPs     map[string]IdPConfig    `mapstructure:"idps"`
	Registry Registry                `mapstructure:"registry"`
	Storage  StorageConfig           `mapstructure:"storage"`

	// Checksum and ModifiedAt identify this snapshot for HTTP caching
	// (ETag / Last-Modified on the configuration endpoint).
	Checksum   string    `mapstructure:"-"`
	ModifiedAt time.Time `mapstructure:"-"`
}

// Load reads the configuration file at path, applies defaults and validates
// the result. Environment variables prefixed with DIRACX_ override file
// values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DIRACX")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.stamp(time.Now().UTC())
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8000")
	v.SetDefault("audience", "dirac")
	v.SetDefault("access_token_lifetime", DefaultAccessTokenLifetime)
	v.SetDefault("device_flow_lifetime", DefaultDeviceFlowLifetime)
	v.SetDefault("authorization_flow_lifetime", DefaultAuthorizationFlowLifetime)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.redis.addr", "localhost:6379")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	for vo := range c.Registry {
		if _, ok := c.IdPs[vo]; !ok {
			return fmt.Errorf("vo %q has no identity provider configured", vo)
		}
	}
	for vo, idp := range c.IdPs {
		if idp.Issuer == "" || idp.ClientID == "" {
			return fmt.Errorf("identity provider for vo %q needs issuer and client_id", vo)
		}
	}
	for vo, entry := range c.Registry {
		for name, group := range entry.Groups {
			for _, p := range group.Properties {
				if !p.Valid() {
					return fmt.Errorf("group %s/%s carries unknown property %q", vo, name, p)
				}
			}
		}
		if entry.DefaultGroup != "" {
			if _, ok := entry.Groups[entry.DefaultGroup]; !ok {
				return fmt.Errorf("default group %q of vo %q is not defined", entry.DefaultGroup, vo)
			}
		}
	}
	switch c.Storage.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// stamp computes the snapshot checksum and records the modification time.
func (c *Config) stamp(now time.Time) {
	raw, err := json.Marshal(c)
	if err != nil {
		// Config is plain data; marshalling cannot fail at runtime.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	c.Checksum = hex.EncodeToString(sum[:])
	c.ModifiedAt = now
}

// Client returns the configuration of a known client.
func (c *Config) Client(clientID string) (ClientConfig, bool) {
	client, ok := c.Clients[clientID]
	return client, ok
}

// RedirectAllowed reports whether the redirect URI is registered for the
// client. Unknown clients are never allowed.
func (c *Config) RedirectAllowed(clientID, redirectURI string) bool {
	client, ok := c.Clients[clientID]
	if !ok {
		return false
	}
	for _, allowed := range client.AllowedRedirects {
		if allowed == redirectURI {
			return true
		}
	}
	return false
}
