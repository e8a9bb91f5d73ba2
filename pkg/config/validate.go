package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	switch c.EventStore.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.EventStore.PostgresURL) == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case BackendMongo:
		if strings.TrimSpace(c.EventStore.MongoURI) == "" {
			missing = append(missing, "MONGO_URI")
		}
		if strings.TrimSpace(c.EventStore.MongoDatabase) == "" {
			missing = append(missing, "MONGO_DATABASE")
		}
	default:
		return fmt.Errorf("unknown event store backend %q", c.EventStore.Backend)
	}

	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}
	if c.Retry.MaxAttempts < 1 {
		missing = append(missing, "RETRY_MAX_ATTEMPTS")
	}
	if c.Cache.Enabled && c.Cache.SlidingExpiration <= 0 {
		missing = append(missing, "AGGREGATE_CACHE_EXPIRATION")
	}
	if strings.TrimSpace(c.Security.TokenURL) != "" && strings.TrimSpace(c.Security.ClientID) == "" {
		missing = append(missing, "SECURITY_CLIENT_ID")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}
