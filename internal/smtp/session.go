package smtp

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// session is the subset of the SMTP client the pool and handler need. The
// indirection lets tests script server replies without a network.
type session interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Reset() error
	Noop() error
	Verify(addr string) error
	Quit() error
	Close() error
}

type clientSession struct {
	client *smtp.Client
}

func (s *clientSession) Mail(from string) error        { return s.client.Mail(from, nil) }
func (s *clientSession) Rcpt(to string) error          { return s.client.Rcpt(to, nil) }
func (s *clientSession) Data() (io.WriteCloser, error) { return s.client.Data() }
func (s *clientSession) Reset() error                  { return s.client.Reset() }
func (s *clientSession) Noop() error                   { return s.client.Noop() }
func (s *clientSession) Verify(addr string) error      { return s.client.Verify(addr) }
func (s *clientSession) Quit() error                   { return s.client.Quit() }
func (s *clientSession) Close() error                  { return s.client.Close() }

// dialSession connects with the configured timeout, negotiates TLS per the
// configured mode and authenticates with AUTH PLAIN when credentials are
// present.
func dialSession(cfg ServerConfig) (session, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.Dial("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}

	client, err := newClient(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}

	if cfg.Username != "" {
		auth := sasl.NewPlainClient("", cfg.Username, cfg.Password)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("authenticating %s: %w", cfg.Username, err)
		}
	}

	return &clientSession{client: client}, nil
}

// newClient wraps an established connection per the encryption mode and
// bounds every subsequent command and DATA submission with cfg.Timeout.
func newClient(conn net.Conn, cfg ServerConfig) (*smtp.Client, error) {
	var client *smtp.Client
	switch cfg.Encryption {
	case EncryptionImplicitSSL:
		client = smtp.NewClient(tls.Client(conn, &tls.Config{ServerName: cfg.Hostname}))
	case EncryptionStartTLS:
		var err error
		client, err = smtp.NewClientStartTLS(conn, &tls.Config{ServerName: cfg.Hostname})
		if err != nil {
			return nil, err
		}
	case EncryptionNone:
		client = smtp.NewClient(conn)
	default:
		return nil, fmt.Errorf("unsupported encryption mode %q", cfg.Encryption)
	}
	if cfg.Timeout > 0 {
		client.CommandTimeout = cfg.Timeout
		client.SubmissionTimeout = cfg.Timeout
	}
	return client, nil
}
