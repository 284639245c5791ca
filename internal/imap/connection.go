package imap

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
)

// IdleEvent is a server push received while a connection sits in IDLE.
type IdleEvent struct {
	Folder      string
	NumMessages uint32
}

// IdleCallback receives push notifications on the idle listener goroutine.
type IdleCallback func(IdleEvent)

const idleJoinTimeout = 5 * time.Second

// Connection owns one physical IMAP connection and its protocol state
// machine. All commands on a connection are serialized by its lock; distinct
// connections proceed in parallel.
type Connection struct {
	cfg    ConnectionConfig
	logger zerolog.Logger

	mu            sync.Mutex
	sess          session
	state         ConnectionState
	currentFolder string
	uidValidity   map[string]uint32
	lastActivity  time.Time

	idleStop   chan struct{}
	idleDone   chan struct{}
	idleEvents chan IdleEvent
	idleFolder atomic.Value // string

	// Seams for tests; production values set by NewConnection.
	dial  func(ConnectionConfig, *imapclient.UnilateralDataHandler) (session, error)
	sleep func(time.Duration)
}

func NewConnection(cfg ConnectionConfig, logger zerolog.Logger) *Connection {
	c := &Connection{
		cfg:         cfg,
		logger:      logger.With().Str("connectionId", cfg.ConnectionID).Logger(),
		state:       StateDisconnected,
		uidValidity: make(map[string]uint32),
		idleEvents:  make(chan IdleEvent, 16),
		dial:        dialSession,
		sleep:       time.Sleep,
	}
	c.idleFolder.Store("")
	return c
}

// Config returns the configuration the connection was built from.
func (c *Connection) Config() ConnectionConfig {
	return c.cfg
}

// State reports the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity reports when the connection last completed an operation.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// unilateralHandler forwards server pushes into the idle event channel. It
// runs on the imap client's reader goroutine and must never take c.mu.
func (c *Connection) unilateralHandler() *imapclient.UnilateralDataHandler {
	return &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			ev := IdleEvent{
				Folder:      c.idleFolder.Load().(string),
				NumMessages: *data.NumMessages,
			}
			select {
			case c.idleEvents <- ev:
			default:
				// Listener is behind; drop rather than block the reader.
			}
		},
	}
}

// Connect establishes transport, TLS and login, retrying up to MaxRetries
// times with a linear backoff of RetryDelay*(attempt+1). On exhaustion the
// connection enters the error state.
func (c *Connection) Connect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateAuthenticated || c.state == StateSelected {
		return true
	}
	c.state = StateConnecting

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		sess, err := c.establish()
		if err == nil {
			c.sess = sess
			c.state = StateAuthenticated
			c.lastActivity = time.Now()
			c.logger.Info().Str("host", c.cfg.Hostname).Msg("Connected to IMAP server")
			return true
		}

		c.logConnectError(err)
		if attempt < c.cfg.MaxRetries-1 {
			c.sleep(c.cfg.RetryDelay * time.Duration(attempt+1))
		}
	}

	c.state = StateError
	return false
}

func (c *Connection) establish() (session, error) {
	sess, err := c.dial(c.cfg, c.unilateralHandler())
	if err != nil {
		return nil, err
	}
	if err := sess.Login(c.cfg.Username, c.cfg.Password); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Connection) logConnectError(err error) {
	var dnsErr *net.DNSError
	var netErr net.Error
	var imapErr *imap.Error
	switch {
	case errors.As(err, &dnsErr):
		c.logger.Error().Err(err).Msg("DNS resolution failed")
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Error().Err(err).Msg("Connection timeout")
	case errors.As(err, &imapErr):
		c.logger.Error().Err(err).Msg("IMAP protocol error")
	default:
		c.logger.Error().Err(err).Msg("Unexpected connection error")
	}
}

// Disconnect stops any idle listener, closes the transport and resets the
// state. Safe to call repeatedly.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopIdleLocked()

	if c.sess != nil {
		if err := c.sess.Logout(); err != nil {
			c.logger.Warn().Err(err).Msg("Error during logout")
		}
		_ = c.sess.Close()
	}
	c.sess = nil
	c.state = StateDisconnected
	c.currentFolder = ""
}

// Authenticate is a no-op when already authenticated, otherwise it connects.
func (c *Connection) Authenticate() bool {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateAuthenticated || state == StateSelected {
		return true
	}
	return c.Connect()
}

// SelectFolder selects the folder and returns its message count.
func (c *Connection) SelectFolder(folder string) (bool, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectFolder(folder)
}

func (c *Connection) selectFolder(folder string) (bool, uint32) {
	if c.sess == nil || c.state == StateDisconnected {
		return false, 0
	}

	data, err := c.sess.Select(folder)
	if err != nil {
		c.logger.Error().Err(err).Str("folder", folder).Msg("Failed to select folder")
		return false, 0
	}

	c.currentFolder = folder
	c.state = StateSelected
	if data.UIDValidity != 0 {
		c.uidValidity[folder] = data.UIDValidity
	}
	c.lastActivity = time.Now()

	c.logger.Debug().Str("folder", folder).Uint32("messages", data.NumMessages).Msg("Selected folder")
	return true, data.NumMessages
}

// ListFolders lists every mailbox on the server, skipping entries that
// cannot be parsed.
func (c *Connection) ListFolders() []Folder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.state == StateDisconnected {
		return nil
	}

	entries, err := c.sess.List()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to list folders")
		return nil
	}

	folders := make([]Folder, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || entry.Mailbox == "" {
			c.logger.Warn().Msg("Skipping malformed mailbox entry")
			continue
		}
		folders = append(folders, folderFromListData(entry))
	}

	c.lastActivity = time.Now()
	c.logger.Debug().Int("count", len(folders)).Msg("Listed folders")
	return folders
}

// FetchMessages selects the folder, searches the UID range and fetches each
// message individually. Zero startUID means the whole mailbox; zero endUID
// means "*". Messages that fail to fetch or parse are skipped.
func (c *Connection) FetchMessages(folder string, startUID, endUID uint32) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.state == StateDisconnected {
		return nil
	}

	ok, _ := c.selectFolder(folder)
	if !ok {
		return nil
	}

	start := imap.UID(startUID)
	if start == 0 {
		start = 1
	}
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: start, Stop: imap.UID(endUID)}}},
	}

	data, err := c.sess.UIDSearch(criteria)
	if err != nil {
		c.logger.Error().Err(err).Str("folder", folder).Msg("Failed to search messages")
		return nil
	}

	uids := data.AllUIDs()
	c.logger.Debug().Int("count", len(uids)).Str("folder", folder).Msg("Messages found")

	messages := make([]Message, 0, len(uids))
	for _, uid := range uids {
		buf, err := c.sess.FetchFull(uid)
		if err != nil {
			c.logger.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Error fetching message")
			continue
		}
		msg, err := parseMessage(buf, folder)
		if err != nil {
			c.logger.Warn().Err(err).Uint32("uid", uint32(uid)).Msg("Error parsing message")
			continue
		}
		messages = append(messages, msg)
	}

	c.lastActivity = time.Now()
	return messages
}

// Search selects the folder and runs a UID search with the given criteria
// string (e.g. "UNSEEN", "FROM alice@example.com").
func (c *Connection) Search(folder, criteria string) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.state == StateDisconnected {
		return nil
	}

	ok, _ := c.selectFolder(folder)
	if !ok {
		return nil
	}

	parsed, err := parseSearchCriteria(criteria)
	if err != nil {
		c.logger.Error().Err(err).Str("criteria", criteria).Msg("Invalid search criteria")
		return nil
	}

	data, err := c.sess.UIDSearch(parsed)
	if err != nil {
		c.logger.Error().Err(err).Str("criteria", criteria).Msg("Search failed")
		return nil
	}

	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, uid := range raw {
		uids = append(uids, uint32(uid))
	}

	c.lastActivity = time.Now()
	c.logger.Debug().Int("count", len(uids)).Msg("Search finished")
	return uids
}

// SetFlags adds the given flags to a message, selecting folder first when
// it differs from the current one.
func (c *Connection) SetFlags(uid uint32, flags []string, folder string) bool {
	return c.storeFlags(uid, flags, folder, imap.StoreFlagsAdd)
}

// ClearFlags removes the given flags from a message.
func (c *Connection) ClearFlags(uid uint32, flags []string, folder string) bool {
	return c.storeFlags(uid, flags, folder, imap.StoreFlagsDel)
}

func (c *Connection) storeFlags(uid uint32, flags []string, folder string, op imap.StoreFlagsOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.state == StateDisconnected {
		return false
	}

	if folder != "" && folder != c.currentFolder {
		if ok, _ := c.selectFolder(folder); !ok {
			return false
		}
	}

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}

	if err := c.sess.Store(imap.UID(uid), op, imapFlags); err != nil {
		c.logger.Error().Err(err).Uint32("uid", uid).Msg("Failed to store flags")
		return false
	}

	c.lastActivity = time.Now()
	return true
}

// StartIdle enters IDLE and spawns the listener goroutine. Pushes are
// delivered to the callback on that goroutine; on idle timeout the session
// is refreshed with DONE followed by a new IDLE.
func (c *Connection) StartIdle(callback IdleCallback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.state == StateDisconnected {
		return false
	}
	if c.idleStop != nil {
		c.logger.Warn().Msg("IDLE already running")
		return false
	}

	c.idleFolder.Store(c.currentFolder)
	c.state = StateIdle
	c.idleStop = make(chan struct{})
	c.idleDone = make(chan struct{})
	go c.idleListener(c.sess, callback, c.idleStop, c.idleDone)

	c.logger.Info().Msg("IDLE mode started")
	return true
}

// StopIdle signals the listener, waits for it to send DONE and exit, and
// returns the connection to the authenticated state. The join is bounded;
// the listener is never killed forcibly.
func (c *Connection) StopIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return false
	}
	c.stopIdleLocked()
	c.state = StateAuthenticated
	c.logger.Info().Msg("IDLE mode stopped")
	return true
}

func (c *Connection) stopIdleLocked() {
	if c.idleStop == nil {
		return
	}
	close(c.idleStop)
	select {
	case <-c.idleDone:
	case <-time.After(idleJoinTimeout):
		c.logger.Warn().Msg("IDLE listener did not stop in time")
	}
	c.idleStop = nil
	c.idleDone = nil
}

func (c *Connection) idleListener(sess session, callback IdleCallback, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		default:
		}

		handle, err := sess.Idle()
		if err != nil {
			// Listener terminates; callers observe the stale state by
			// polling Connection.State.
			c.logger.Error().Err(err).Msg("IDLE listener error")
			return
		}

		waitCh := make(chan error, 1)
		go func() { waitCh <- handle.Wait() }()

		timer := time.NewTimer(c.cfg.IdleTimeout)
	cycle:
		for {
			select {
			case <-stop:
				timer.Stop()
				_ = handle.Close()
				<-waitCh
				return

			case ev := <-c.idleEvents:
				if callback != nil {
					callback(ev)
				}

			case <-timer.C:
				// Keep the session alive: DONE, then a fresh IDLE.
				_ = handle.Close()
				<-waitCh
				break cycle

			case err := <-waitCh:
				timer.Stop()
				if err != nil {
					c.logger.Error().Err(err).Msg("IDLE listener error")
					return
				}
				break cycle
			}
		}
	}
}

// GetUIDValidity returns the cached UIDVALIDITY for the folder, issuing a
// single STATUS query on a cache miss.
func (c *Connection) GetUIDValidity(folder string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.uidValidity[folder]; ok {
		return v
	}

	if c.sess == nil || c.state == StateDisconnected {
		return 0
	}

	data, err := c.sess.Status(folder)
	if err != nil {
		c.logger.Warn().Err(err).Str("folder", folder).Msg("Error querying UID validity")
		return 0
	}

	c.uidValidity[folder] = data.UIDValidity
	return data.UIDValidity
}
