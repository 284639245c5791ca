package imap

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// session is the slice of the IMAP protocol a Connection actually drives.
// Production code goes through clientSession; tests inject fakes.
type session interface {
	Login(username, password string) error
	Select(folder string) (*imap.SelectData, error)
	List() ([]*imap.ListData, error)
	Status(folder string) (*imap.StatusData, error)
	UIDSearch(criteria *imap.SearchCriteria) (*imap.SearchData, error)
	FetchFull(uid imap.UID) (*imapclient.FetchMessageBuffer, error)
	Store(uid imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error
	Idle() (idleHandle, error)
	Noop() error
	Logout() error
	Close() error
}

// idleHandle is one in-flight IDLE command. Close sends DONE.
type idleHandle interface {
	Close() error
	Wait() error
}

type clientSession struct {
	client *imapclient.Client
}

// dialSession opens the transport according to the configured encryption
// mode, bounding the TCP dial and TLS handshake with cfg.Timeout. The
// unilateral data handler must be wired at dial time because the client
// invokes it from its reader goroutine.
func dialSession(cfg ConnectionConfig, handler *imapclient.UnilateralDataHandler) (session, error) {
	opts := &imapclient.Options{
		TLSConfig:             &tls.Config{ServerName: cfg.Hostname},
		UnilateralDataHandler: handler,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.Dial("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", cfg.Addr(), err)
	}
	client, err := newClient(conn, cfg, opts)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to IMAP server %s: %w", cfg.Addr(), err)
	}
	return &clientSession{client: client}, nil
}

// newClient wraps an established connection per the encryption mode.
func newClient(conn net.Conn, cfg ConnectionConfig, opts *imapclient.Options) (*imapclient.Client, error) {
	switch cfg.Encryption {
	case EncryptionTLS:
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := handshakeWithin(tlsConn, cfg.Timeout); err != nil {
			return nil, err
		}
		return imapclient.New(tlsConn, opts), nil
	case EncryptionStartTLS:
		return imapclient.NewStartTLS(conn, opts)
	default:
		return imapclient.New(conn, opts), nil
	}
}

// handshakeWithin runs the TLS handshake under a deadline so a stalled
// server cannot hang the caller, then clears the deadline for normal use.
func handshakeWithin(conn *tls.Conn, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if err := conn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	return conn.SetDeadline(time.Time{})
}

func (s *clientSession) Login(username, password string) error {
	return s.client.Login(username, password).Wait()
}

func (s *clientSession) Select(folder string) (*imap.SelectData, error) {
	return s.client.Select(folder, nil).Wait()
}

func (s *clientSession) List() ([]*imap.ListData, error) {
	return s.client.List("", "*", &imap.ListOptions{}).Collect()
}

func (s *clientSession) Status(folder string) (*imap.StatusData, error) {
	return s.client.Status(folder, &imap.StatusOptions{
		UIDValidity: true,
		NumMessages: true,
		NumUnseen:   true,
	}).Wait()
}

func (s *clientSession) UIDSearch(criteria *imap.SearchCriteria) (*imap.SearchData, error) {
	return s.client.UIDSearch(criteria, nil).Wait()
}

func (s *clientSession) FetchFull(uid imap.UID) (*imapclient.FetchMessageBuffer, error) {
	bodySection := &imap.FetchItemBodySection{}
	msgs, err := s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		Flags:       true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("no message returned for UID %d", uid)
	}
	return msgs[0], nil
}

func (s *clientSession) Store(uid imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	return s.client.Store(imap.UIDSetNum(uid), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
}

func (s *clientSession) Idle() (idleHandle, error) {
	return s.client.Idle()
}

func (s *clientSession) Noop() error {
	return s.client.Noop().Wait()
}

func (s *clientSession) Logout() error {
	return s.client.Logout().Wait()
}

func (s *clientSession) Close() error {
	return s.client.Close()
}
