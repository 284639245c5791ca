package imap

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ProtocolHandler is the high level IMAP entry point. Every operation
// borrows a pooled connection for its duration, except IDLE which pins a
// connection per account until StopIdle is called.
type ProtocolHandler struct {
	pool   *ConnectionPool
	logger zerolog.Logger

	mu        sync.Mutex
	idleConns map[string]*Connection
}

func NewProtocolHandler(pool *ConnectionPool, logger zerolog.Logger) *ProtocolHandler {
	return &ProtocolHandler{
		pool:      pool,
		logger:    logger,
		idleConns: make(map[string]*Connection),
	}
}

// Connect verifies that a connection for the account can be established and
// authenticated.
func (slf *ProtocolHandler) Connect(cfg ConnectionConfig) error {
	return slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("connecting to %s failed", cfg.Addr())
		}
		return nil
	})
}

// Authenticate ensures the account has a live authenticated connection.
// Already-authenticated pooled connections make this a cheap no-op.
func (slf *ProtocolHandler) Authenticate(cfg ConnectionConfig) error {
	return slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("authenticating against %s failed", cfg.Addr())
		}
		return nil
	})
}

// ListFolders returns every folder of the account with inferred types and
// display names.
func (slf *ProtocolHandler) ListFolders(cfg ConnectionConfig) ([]Folder, error) {
	var folders []Folder
	err := slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("connecting to %s failed", cfg.Addr())
		}
		folders = conn.ListFolders()
		return nil
	})
	return folders, err
}

// FetchMessages fetches and parses the messages in the UID range. Zero
// startUID means the start of the mailbox, zero endUID means its end.
func (slf *ProtocolHandler) FetchMessages(cfg ConnectionConfig, folder string, startUID, endUID uint32) ([]Message, error) {
	var messages []Message
	err := slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("connecting to %s failed", cfg.Addr())
		}
		messages = conn.FetchMessages(folder, startUID, endUID)
		return nil
	})
	return messages, err
}

// Search runs an IMAP search in the folder and returns matching UIDs.
func (slf *ProtocolHandler) Search(cfg ConnectionConfig, folder, criteria string) ([]uint32, error) {
	var uids []uint32
	err := slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("connecting to %s failed", cfg.Addr())
		}
		uids = conn.Search(folder, criteria)
		return nil
	})
	return uids, err
}

// MarkAsRead sets the \Seen flag on the message.
func (slf *ProtocolHandler) MarkAsRead(cfg ConnectionConfig, folder string, uid uint32) error {
	return slf.setFlags(cfg, folder, uid, true, `\Seen`)
}

// MarkAsUnread clears the \Seen flag on the message.
func (slf *ProtocolHandler) MarkAsUnread(cfg ConnectionConfig, folder string, uid uint32) error {
	return slf.setFlags(cfg, folder, uid, false, `\Seen`)
}

// AddStar sets the \Flagged flag on the message.
func (slf *ProtocolHandler) AddStar(cfg ConnectionConfig, folder string, uid uint32) error {
	return slf.setFlags(cfg, folder, uid, true, `\Flagged`)
}

// RemoveStar clears the \Flagged flag on the message.
func (slf *ProtocolHandler) RemoveStar(cfg ConnectionConfig, folder string, uid uint32) error {
	return slf.setFlags(cfg, folder, uid, false, `\Flagged`)
}

func (slf *ProtocolHandler) setFlags(cfg ConnectionConfig, folder string, uid uint32, add bool, flag string) error {
	return slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("connecting to %s failed", cfg.Addr())
		}
		var ok bool
		if add {
			ok = conn.SetFlags(uid, []string{flag}, folder)
		} else {
			ok = conn.ClearFlags(uid, []string{flag}, folder)
		}
		if !ok {
			return fmt.Errorf("updating flags on %s uid %d failed", folder, uid)
		}
		return nil
	})
}

// GetUIDValidity returns the folder's UIDVALIDITY, cached per connection.
func (slf *ProtocolHandler) GetUIDValidity(cfg ConnectionConfig, folder string) (uint32, error) {
	var validity uint32
	err := slf.pool.WithConnection(cfg, func(conn *Connection) error {
		if !conn.Authenticate() {
			return fmt.Errorf("connecting to %s failed", cfg.Addr())
		}
		validity = conn.GetUIDValidity(folder)
		return nil
	})
	return validity, err
}

// StartIdle pins a connection for the account, selects the folder and starts
// the IDLE listener. Calling it again for the same account replaces the
// previous listener with the new folder and callback.
func (slf *ProtocolHandler) StartIdle(cfg ConnectionConfig, folder string, callback IdleCallback) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	accountID := cfg.AccountID()

	slf.mu.Lock()
	defer slf.mu.Unlock()

	if prev, ok := slf.idleConns[accountID]; ok {
		prev.StopIdle()
		prev.Disconnect()
		slf.pool.Release(prev)
		delete(slf.idleConns, accountID)
		slf.logger.Info().Str("account", accountID).Msg("Replacing IDLE listener")
	}

	conn, err := slf.pool.Get(cfg)
	if err != nil {
		return err
	}
	if !conn.Authenticate() {
		slf.pool.Release(conn)
		return fmt.Errorf("connecting to %s failed", cfg.Addr())
	}
	if ok, _ := conn.SelectFolder(folder); !ok {
		slf.pool.Release(conn)
		return fmt.Errorf("selecting %s failed", folder)
	}
	if !conn.StartIdle(callback) {
		slf.pool.Release(conn)
		return fmt.Errorf("starting IDLE on %s failed", folder)
	}

	slf.idleConns[accountID] = conn
	slf.logger.Info().Str("account", accountID).Str("folder", folder).Msg("IDLE listener registered")
	return nil
}

// StopIdle stops the account's IDLE listener and returns its connection to
// the pool. It is a no-op when no listener is registered.
func (slf *ProtocolHandler) StopIdle(cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	accountID := cfg.AccountID()

	slf.mu.Lock()
	defer slf.mu.Unlock()

	conn, ok := slf.idleConns[accountID]
	if !ok {
		return nil
	}
	conn.StopIdle()
	slf.pool.Release(conn)
	delete(slf.idleConns, accountID)
	slf.logger.Info().Str("account", accountID).Msg("IDLE listener stopped")
	return nil
}

// Disconnect stops any IDLE listener for the account and drops its pooled
// connections.
func (slf *ProtocolHandler) Disconnect(cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	accountID := cfg.AccountID()

	slf.mu.Lock()
	if conn, ok := slf.idleConns[accountID]; ok {
		conn.StopIdle()
		slf.pool.Release(conn)
		delete(slf.idleConns, accountID)
	}
	slf.mu.Unlock()

	slf.pool.Clear(accountID)
	return nil
}

// Close shuts down every IDLE listener and the whole pool.
func (slf *ProtocolHandler) Close() {
	slf.mu.Lock()
	for accountID, conn := range slf.idleConns {
		conn.StopIdle()
		slf.pool.Release(conn)
		delete(slf.idleConns, accountID)
	}
	slf.mu.Unlock()

	slf.pool.Clear("")
}
