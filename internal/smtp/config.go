package smtp

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ServerConfig describes one SMTP server. Credentials are optional; open
// relays on port 25 are still a thing on internal networks.
type ServerConfig struct {
	Hostname   string        `json:"hostname" validate:"required,hostname_rfc1123"`
	Port       int           `json:"port" validate:"required,min=1,max=65535"`
	Username   string        `json:"username"`
	Password   string        `json:"password"`
	Encryption Encryption    `json:"encryption" validate:"required,oneof=none starttls implicit_ssl"`
	Timeout    time.Duration `json:"timeout"`
}

func NewServerConfig(hostname string, port int, username, password string) ServerConfig {
	return ServerConfig{
		Hostname:   hostname,
		Port:       port,
		Username:   username,
		Password:   password,
		Encryption: EncryptionStartTLS,
		Timeout:    30 * time.Second,
	}
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Encryption == "" {
		cfg.Encryption = EncryptionStartTLS
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid SMTP config: %w", err)
	}
	return nil
}

func (cfg ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
}

// PoolKey identifies a server within the connection pool. It is keyed by
// host and port only, so two accounts on the same server share sessions
// authenticated with whichever credentials dialed first.
func (cfg ServerConfig) PoolKey() string {
	return cfg.Addr()
}
