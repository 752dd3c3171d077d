package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type ConfigurationError struct {
	errs []error
}

func (c *ConfigurationError) Error() string {
	errstrings := make([]string, 0, len(c.errs))
	for _, err := range c.errs {
		errstrings = append(errstrings, err.Error())
	}
	return fmt.Sprintf("found %d error(s) in the configuration:\n%s", len(c.errs), strings.Join(errstrings, "\n"))
}

func (c *ConfigurationError) PushError(err error) {
	if err != nil {
		c.errs = append(c.errs, err)
	}
}

func (c *ConfigurationError) Unwrap() []error {
	return c.errs
}

// ValidateServer checks the settings used by the serve command.
func (c *Config) ValidateServer() error {
	errorsFound := &ConfigurationError{}

	if c.ListenAddress == "" {
		errorsFound.PushError(errors.New("listen-address is required"))
	}
	if c.LeaseDuration <= 0 {
		errorsFound.PushError(fmt.Errorf("lease-duration must be positive, got %s", c.LeaseDuration))
	}
	errorsFound.PushError(c.validateStore())

	if c.CacheSize < 0 {
		errorsFound.PushError(fmt.Errorf("cache-size must not be negative, got %d", c.CacheSize))
	}
	if c.CacheSize > 0 && c.CacheTTL <= 0 {
		errorsFound.PushError(errors.New("cache-ttl must be positive when the cache is enabled"))
	}

	if c.PortAllocatorURL != "" {
		errorsFound.PushError(validateURL("port-allocator-url", c.PortAllocatorURL))
	} else if c.PortPoolMin <= 0 || c.PortPoolMax > 65535 || c.PortPoolMin > c.PortPoolMax {
		errorsFound.PushError(fmt.Errorf("port pool range %d-%d is invalid", c.PortPoolMin, c.PortPoolMax))
	}
	if c.ListingURL != "" {
		errorsFound.PushError(validateURL("listing-url", c.ListingURL))
	}

	if c.CollaboratorTimeout <= 0 {
		errorsFound.PushError(errors.New("collaborator-timeout must be positive"))
	}
	if c.CollaboratorRPS < 0 {
		errorsFound.PushError(errors.New("collaborator-rps must not be negative"))
	}

	if len(errorsFound.errs) > 0 {
		return errorsFound
	}
	return nil
}

// ValidateStore checks only the device store settings, for commands that touch nothing else.
func (c *Config) ValidateStore() error {
	errorsFound := &ConfigurationError{}
	errorsFound.PushError(c.validateStore())
	if len(errorsFound.errs) > 0 {
		return errorsFound
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("sqlite-path is required for the sqlite store")
		}
	case StoreMongo:
		if c.MongoURL == "" {
			return errors.New("mongo-url is required for the mongo store")
		}
		if c.MongoDatabase == "" {
			return errors.New("mongo-database is required for the mongo store")
		}
	default:
		return fmt.Errorf("store %q is not one of memory, sqlite, mongo", c.Store)
	}
	return nil
}

// ValidateAgent checks the settings used by the agent command.
func (c *Config) ValidateAgent() error {
	errorsFound := &ConfigurationError{}

	errorsFound.PushError(validateURL("server-url", c.ServerURL))
	if c.DeviceID == "" {
		errorsFound.PushError(errors.New("device-id is required"))
	}
	if c.CheckinInterval <= 0 {
		errorsFound.PushError(errors.New("checkin-interval must be positive"))
	}
	if c.CollaboratorTimeout <= 0 {
		errorsFound.PushError(errors.New("collaborator-timeout must be positive"))
	}

	if len(errorsFound.errs) > 0 {
		return errorsFound
	}
	return nil
}

func validateURL(key string, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", key, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", key)
	}
	return nil
}
