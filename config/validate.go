package config

import (
	"fmt"
	"net"
	"strings"
)

var (
	storageBackends = map[string]struct{}{"memory": {}, "leveldb": {}, "bolt": {}}
	archiveDrivers  = map[string]struct{}{"": {}, "sqlite": {}, "postgres": {}}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return fmt.Errorf("listen address %q: %w", c.ListenAddress, err)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative")
	}
	if _, ok := storageBackends[strings.ToLower(c.Storage.Backend)]; !ok {
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}
	if _, ok := archiveDrivers[strings.ToLower(c.Archive.Driver)]; !ok {
		return fmt.Errorf("archive: unknown driver %q", c.Archive.Driver)
	}
	if c.Archive.Driver != "" && strings.TrimSpace(c.Archive.DSN) == "" {
		return fmt.Errorf("archive: dsn required for driver %s", c.Archive.Driver)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: HMACSecret or %s required when auth is enabled", JWTSecretEnv)
	}
	if c.Auth.ClockSkew.Duration < 0 {
		return fmt.Errorf("auth: clock skew must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit: values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate limit: burst required when requests per second is set")
	}
	return nil
}
