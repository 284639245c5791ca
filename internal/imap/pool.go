package imap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const reuseWindow = 5 * time.Minute

type accountPool struct {
	conns []*Connection
	sem   *semaphore.Weighted
	inUse map[*Connection]bool
	// holdsPermit marks checkouts that own a semaphore permit, so Release
	// only returns permits that were actually acquired.
	holdsPermit map[*Connection]bool
}

// ConnectionPool reuses authenticated connections per account
// (hostname:username). It is an explicitly owned service object: construct
// one, inject it into the protocol handler and Clear it on shutdown. A
// connection is never handed to two concurrent callers; going past the
// account limit blocks on the account's semaphore without a timeout.
type ConnectionPool struct {
	maxPerAccount int
	logger        zerolog.Logger

	mu       sync.Mutex
	accounts map[string]*accountPool

	// newConnection is a seam for tests.
	newConnection func(ConnectionConfig, zerolog.Logger) *Connection
}

func NewConnectionPool(maxPerAccount int, logger zerolog.Logger) *ConnectionPool {
	if maxPerAccount <= 0 {
		maxPerAccount = 3
	}
	return &ConnectionPool{
		maxPerAccount: maxPerAccount,
		logger:        logger,
		accounts:      make(map[string]*accountPool),
		newConnection: NewConnection,
	}
}

func (p *ConnectionPool) account(accountID string) *accountPool {
	acct, ok := p.accounts[accountID]
	if !ok {
		acct = &accountPool{
			sem:         semaphore.NewWeighted(int64(p.maxPerAccount)),
			inUse:       make(map[*Connection]bool),
			holdsPermit: make(map[*Connection]bool),
		}
		p.accounts[accountID] = acct
	}
	return acct
}

// Get returns a connection for the config's account. Every pooled checkout
// holds one semaphore permit, so at most maxPerAccount connections are out
// at a time. Order: reuse a healthy connection used within the last five
// minutes, create a new one while the account is under its limit, otherwise
// take the first idle connection and reconnect it. When all permits are
// taken the caller blocks without a timeout; if the pool has fully drained
// by the time it wakes, one extra unpooled connection is created beyond the
// limit as a documented escape hatch.
func (p *ConnectionPool) Get(cfg ConnectionConfig) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	accountID := cfg.AccountID()

	p.mu.Lock()
	acct := p.account(accountID)
	if acct.sem.TryAcquire(1) {
		return p.checkout(acct, accountID, cfg), nil
	}
	sem := acct.sem
	p.mu.Unlock()

	// At the limit: wait for another caller to release.
	if err := sem.Acquire(context.Background(), 1); err != nil {
		return nil, fmt.Errorf("waiting for IMAP connection: %w", err)
	}

	p.mu.Lock()
	acct = p.account(accountID)
	if len(acct.conns) == 0 {
		p.mu.Unlock()

		// Escape hatch: the pool drained while we waited, so create one
		// more connection even though that can exceed the account limit.
		sem.Release(1)
		cfg.ConnectionID = fmt.Sprintf("%s#fallback", accountID)
		conn := p.newConnection(cfg, p.logger)
		conn.Connect()
		p.logger.Warn().Str("account", accountID).Msg("Pool empty after wait, creating fallback IMAP connection")
		return conn, nil
	}
	return p.checkout(acct, accountID, cfg), nil
}

// checkout picks or creates a connection. Called with p.mu held and one
// permit owned; the permit is attached to the returned connection.
func (p *ConnectionPool) checkout(acct *accountPool, accountID string, cfg ConnectionConfig) *Connection {
	if conn := p.reusable(acct); conn != nil {
		acct.inUse[conn] = true
		acct.holdsPermit[conn] = true
		p.mu.Unlock()
		p.logger.Debug().Str("account", accountID).Msg("Reusing pooled IMAP connection")
		return conn
	}

	if len(acct.conns) < p.maxPerAccount {
		cfg.ConnectionID = fmt.Sprintf("%s#%d", accountID, len(acct.conns))
		conn := p.newConnection(cfg, p.logger)
		acct.conns = append(acct.conns, conn)
		acct.inUse[conn] = true
		acct.holdsPermit[conn] = true
		p.mu.Unlock()

		conn.Connect()
		p.logger.Debug().Str("account", accountID).Msg("Created pooled IMAP connection")
		return conn
	}

	// Full pool, nothing recent: take the first idle connection and bring
	// it back to life.
	conn := acct.conns[0]
	for _, pooled := range acct.conns {
		if !acct.inUse[pooled] {
			conn = pooled
			break
		}
	}
	acct.inUse[conn] = true
	acct.holdsPermit[conn] = true
	p.mu.Unlock()

	conn.Connect()
	return conn
}

func (p *ConnectionPool) reusable(acct *accountPool) *Connection {
	for _, conn := range acct.conns {
		if acct.inUse[conn] {
			continue
		}
		state := conn.State()
		if (state == StateAuthenticated || state == StateSelected) &&
			time.Since(conn.LastActivity()) < reuseWindow {
			return conn
		}
	}
	return nil
}

// Release returns a connection to its pool. Connections in the error state
// are disconnected and dropped; healthy ones stay pooled for reuse.
func (p *ConnectionPool) Release(conn *Connection) {
	if conn == nil {
		return
	}
	accountID := conn.Config().AccountID()

	p.mu.Lock()
	acct, ok := p.accounts[accountID]
	if !ok {
		p.mu.Unlock()
		return
	}

	pooled := false
	for i, member := range acct.conns {
		if member == conn {
			pooled = true
			if conn.State() == StateError {
				acct.conns = append(acct.conns[:i], acct.conns[i+1:]...)
			}
			break
		}
	}
	delete(acct.inUse, conn)
	if acct.holdsPermit[conn] {
		delete(acct.holdsPermit, conn)
		acct.sem.Release(1)
	}
	failed := conn.State() == StateError
	p.mu.Unlock()

	// Fallback connections live outside the pool and die on release, as do
	// pooled connections that ended up in the error state.
	if !pooled || failed {
		if failed {
			p.logger.Debug().Str("account", accountID).Msg("Removing failed connection from pool")
		}
		conn.Disconnect()
	}
}

// Clear disconnects and removes one account's connections, or every
// account's when accountID is empty.
func (p *ConnectionPool) Clear(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if accountID != "" {
		if acct, ok := p.accounts[accountID]; ok {
			for _, conn := range acct.conns {
				conn.Disconnect()
			}
			delete(p.accounts, accountID)
		}
		return
	}

	for _, acct := range p.accounts {
		for _, conn := range acct.conns {
			conn.Disconnect()
		}
	}
	p.accounts = make(map[string]*accountPool)
}

// Size reports how many connections an account currently pools.
func (p *ConnectionPool) Size(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[accountID]; ok {
		return len(acct.conns)
	}
	return 0
}

// CheckedOut reports how many of an account's pooled connections are
// currently handed out to callers.
func (p *ConnectionPool) CheckedOut(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.accounts[accountID]; ok {
		return len(acct.inUse)
	}
	return 0
}

// WithConnection runs fn with a pooled connection, releasing it on every
// exit path.
func (p *ConnectionPool) WithConnection(cfg ConnectionConfig, fn func(*Connection) error) error {
	conn, err := p.Get(cfg)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}
