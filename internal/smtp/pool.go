package smtp

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxPoolSize = 10
	maxIdleTime = 300 * time.Second
	maxConnAge  = 3600 * time.Second
)

type pooledConn struct {
	sess      session
	createdAt time.Time
	lastUsed  time.Time
	useCount  int
}

func (pc *pooledConn) stale() bool {
	return time.Since(pc.createdAt) > maxConnAge || time.Since(pc.lastUsed) > maxIdleTime
}

// PoolStats counts pool activity for one server since construction.
type PoolStats struct {
	Created int `json:"created"`
	Reused  int `json:"reused"`
	Closed  int `json:"closed"`
}

// ConnectionPool keeps authenticated SMTP sessions for reuse, keyed by the
// server address. Stale or idle sessions are quit and redialed; liveness is
// probed with NOOP before a session is handed out.
type ConnectionPool struct {
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string][]*pooledConn
	stats map[string]PoolStats

	// dial is a seam for tests.
	dial func(ServerConfig) (session, error)
}

func NewConnectionPool(logger zerolog.Logger) *ConnectionPool {
	return &ConnectionPool{
		logger: logger,
		conns:  make(map[string][]*pooledConn),
		stats:  make(map[string]PoolStats),
		dial:   dialSession,
	}
}

// Acquire returns a live session for the server. Every expired entry pooled
// for the server is quit first, then a surviving one is reused when its NOOP
// probe succeeds; otherwise a fresh session is dialed.
func (p *ConnectionPool) Acquire(cfg ServerConfig) (session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.PoolKey()

	p.sweep(key)

	for {
		p.mu.Lock()
		queue := p.conns[key]
		if len(queue) == 0 {
			p.mu.Unlock()
			break
		}
		pc := queue[len(queue)-1]
		p.conns[key] = queue[:len(queue)-1]
		p.mu.Unlock()

		if err := pc.sess.Noop(); err != nil {
			p.discard(key, pc, "dead")
			continue
		}

		pc.lastUsed = time.Now()
		pc.useCount++
		p.bump(key, func(st *PoolStats) { st.Reused++ })
		p.logger.Debug().Str("server", key).Int("useCount", pc.useCount).Msg("Reusing SMTP connection")
		return pc.sess, nil
	}

	sess, err := p.dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating SMTP connection: %w", err)
	}
	p.bump(key, func(st *PoolStats) { st.Created++ })
	p.logger.Debug().Str("server", key).Msg("Created SMTP connection")
	return sess, nil
}

// sweep quits every expired session pooled for the server, including entries
// buried under fresher ones.
func (p *ConnectionPool) sweep(key string) {
	p.mu.Lock()
	queue := p.conns[key]
	kept := queue[:0]
	var expired []*pooledConn
	for _, pc := range queue {
		if pc.stale() {
			expired = append(expired, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.conns[key] = kept
	st := p.stats[key]
	st.Closed += len(expired)
	p.stats[key] = st
	p.mu.Unlock()

	for _, pc := range expired {
		_ = pc.sess.Quit()
		p.logger.Debug().Str("server", key).Str("reason", "expired").Msg("Dropped pooled SMTP connection")
	}
}

// Put returns a session to the pool. When the server's pool is full the
// session is quit instead.
func (p *ConnectionPool) Put(cfg ServerConfig, sess session) {
	if sess == nil {
		return
	}
	key := cfg.PoolKey()

	p.mu.Lock()
	if len(p.conns[key]) >= maxPoolSize {
		st := p.stats[key]
		st.Closed++
		p.stats[key] = st
		p.mu.Unlock()
		_ = sess.Quit()
		return
	}
	now := time.Now()
	p.conns[key] = append(p.conns[key], &pooledConn{
		sess:      sess,
		createdAt: now,
		lastUsed:  now,
	})
	p.mu.Unlock()
}

// Discard quits a session without pooling it, for callers that saw it fail.
func (p *ConnectionPool) Discard(cfg ServerConfig, sess session) {
	if sess == nil {
		return
	}
	p.bump(cfg.PoolKey(), func(st *PoolStats) { st.Closed++ })
	_ = sess.Close()
}

func (p *ConnectionPool) discard(key string, pc *pooledConn, reason string) {
	p.bump(key, func(st *PoolStats) { st.Closed++ })
	_ = pc.sess.Quit()
	p.logger.Debug().Str("server", key).Str("reason", reason).Msg("Dropped pooled SMTP connection")
}

func (p *ConnectionPool) bump(key string, f func(*PoolStats)) {
	p.mu.Lock()
	st := p.stats[key]
	f(&st)
	p.stats[key] = st
	p.mu.Unlock()
}

// Stats returns a copy of the counters for one server.
func (p *ConnectionPool) Stats(cfg ServerConfig) PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats[cfg.PoolKey()]
}

// Size reports how many sessions are pooled for a server.
func (p *ConnectionPool) Size(cfg ServerConfig) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns[cfg.PoolKey()])
}

// CloseAll quits every pooled session.
func (p *ConnectionPool) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string][]*pooledConn)
	for key, queue := range conns {
		st := p.stats[key]
		st.Closed += len(queue)
		p.stats[key] = st
	}
	p.mu.Unlock()

	for _, queue := range conns {
		for _, pc := range queue {
			_ = pc.sess.Quit()
		}
	}
}
