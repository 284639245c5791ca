package mailcore

import (
	"mailcore/internal/imap"
	"mailcore/internal/smtp"
)

// ImapAccountConfig builds an IMAP connection config for the account in the
// environment, carrying the process-wide timeout and retry settings.
func ImapAccountConfig() imap.ConnectionConfig {
	ic := config.ImapConfig
	cfg := imap.NewConnectionConfig(ic.Host, ic.Port, ic.Username, ic.Password)
	cfg.Encryption = ic.Encryption
	cfg.Timeout = ic.Timeout
	cfg.IdleTimeout = ic.IdleTimeout
	cfg.MaxRetries = ic.MaxRetries
	cfg.RetryDelay = ic.RetryDelay
	return cfg
}

// SmtpServerConfig builds the SMTP server config from the environment.
func SmtpServerConfig() smtp.ServerConfig {
	sc := config.SmtpConfig
	cfg := smtp.NewServerConfig(sc.Host, sc.Port, sc.Username, sc.Password)
	cfg.Encryption = smtp.Encryption(sc.Encryption)
	cfg.Timeout = sc.Timeout
	return cfg
}

// NewIMAPHandler wires an IMAP protocol handler with a pool sized from the
// configuration.
func NewIMAPHandler() *imap.ProtocolHandler {
	pool := imap.NewConnectionPool(config.ImapConfig.MaxPerAccount, Logger)
	return imap.NewProtocolHandler(pool, Logger)
}

// NewSMTPHandler wires an SMTP protocol handler for the configured server.
func NewSMTPHandler() (*smtp.ProtocolHandler, error) {
	pool := smtp.NewConnectionPool(Logger)
	return smtp.NewProtocolHandler(SmtpServerConfig(), pool, Logger)
}
