package imap

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Encryption modes accepted by ConnectionConfig.
const (
	EncryptionTLS      = "tls"
	EncryptionStartTLS = "starttls"
	EncryptionNone     = "none"
)

var validate = validator.New()

// ConnectionConfig carries everything needed to establish and maintain one
// IMAP connection. ConnectionID is opaque and only used for logging and
// pool-key correlation.
type ConnectionConfig struct {
	Hostname     string        `validate:"required,hostname_rfc1123"`
	Port         int           `validate:"required,min=1,max=65535"`
	Username     string        `validate:"required"`
	Password     string        `validate:"required"`
	Encryption   string        `validate:"omitempty,oneof=tls starttls none"`
	Timeout      time.Duration `validate:"min=0"`
	IdleTimeout  time.Duration `validate:"min=0"`
	MaxRetries   int           `validate:"min=0"`
	RetryDelay   time.Duration `validate:"min=0"`
	ConnectionID string
}

// NewConnectionConfig builds a config with the package defaults applied.
func NewConnectionConfig(hostname string, port int, username, password string) ConnectionConfig {
	return ConnectionConfig{
		Hostname:    hostname,
		Port:        port,
		Username:    username,
		Password:    password,
		Encryption:  EncryptionTLS,
		Timeout:     30 * time.Second,
		IdleTimeout: 15 * time.Minute,
		MaxRetries:  3,
		RetryDelay:  5 * time.Second,
	}
}

// Validate checks the config and fills in defaults for zero-valued fields.
func (cfg *ConnectionConfig) Validate() error {
	if cfg.Encryption == "" {
		cfg.Encryption = EncryptionTLS
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.NewString()
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid IMAP connection config: %w", err)
	}
	return nil
}

// AccountID is the pool key for this config.
func (cfg ConnectionConfig) AccountID() string {
	return fmt.Sprintf("%s:%s", cfg.Hostname, cfg.Username)
}

// Addr returns the dial address.
func (cfg ConnectionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
}
