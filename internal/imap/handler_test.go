package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHandlerWithSession wires a handler whose pool dials the given fake
// session for every connection.
func newHandlerWithSession(sess *fakeSession) *ProtocolHandler {
	pool := NewConnectionPool(3, zerolog.Nop())
	pool.newConnection = func(cfg ConnectionConfig, logger zerolog.Logger) *Connection {
		conn := NewConnection(cfg, logger)
		conn.sleep = func(time.Duration) {}
		conn.dial = func(ConnectionConfig, *imapclient.UnilateralDataHandler) (session, error) {
			return sess, nil
		}
		return conn
	}
	return NewProtocolHandler(pool, zerolog.Nop())
}

func TestHandlerListFolders(t *testing.T) {
	sess := &fakeSession{
		listData: []*imap.ListData{
			{Mailbox: "INBOX", Delim: '/'},
			{Mailbox: "[Gmail]/Sent Mail", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrSent}},
		},
	}
	handler := newHandlerWithSession(sess)

	folders, err := handler.ListFolders(testConfig())
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, FolderInbox, folders[0].Type)
	assert.Equal(t, FolderSent, folders[1].Type)
	assert.Equal(t, "Sent Mail", folders[1].DisplayName)
}

func TestHandlerFlagOperations(t *testing.T) {
	sess := &fakeSession{}
	handler := newHandlerWithSession(sess)
	cfg := testConfig()

	require.NoError(t, handler.MarkAsRead(cfg, "INBOX", 11))
	require.NoError(t, handler.AddStar(cfg, "INBOX", 11))
	require.NoError(t, handler.MarkAsUnread(cfg, "INBOX", 11))
	require.NoError(t, handler.RemoveStar(cfg, "INBOX", 11))

	require.Len(t, sess.stores, 4)
	assert.Equal(t, imap.StoreFlagsAdd, sess.stores[0].op)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, sess.stores[0].flags)
	assert.Equal(t, imap.StoreFlagsAdd, sess.stores[1].op)
	assert.Equal(t, []imap.Flag{imap.FlagFlagged}, sess.stores[1].flags)
	assert.Equal(t, imap.StoreFlagsDel, sess.stores[2].op)
	assert.Equal(t, imap.StoreFlagsDel, sess.stores[3].op)
}

func TestHandlerStartIdleReplacesListener(t *testing.T) {
	sess := &fakeSession{}
	handler := newHandlerWithSession(sess)
	cfg := testConfig()

	require.NoError(t, handler.StartIdle(cfg, "INBOX", nil))
	require.Len(t, handler.idleConns, 1)
	first := handler.idleConns[cfg.AccountID()]

	require.NoError(t, handler.StartIdle(cfg, "Archive", nil))
	require.Len(t, handler.idleConns, 1)
	assert.NotEqual(t, StateIdle, first.State())
	assert.Equal(t, StateIdle, handler.idleConns[cfg.AccountID()].State())

	require.NoError(t, handler.StopIdle(cfg))
	assert.Empty(t, handler.idleConns)

	// Stopping again is a quiet no-op.
	require.NoError(t, handler.StopIdle(cfg))
}

func TestHandlerGetUIDValidity(t *testing.T) {
	sess := &fakeSession{uidValidity: map[string]uint32{"INBOX": 1234}}
	handler := newHandlerWithSession(sess)

	validity, err := handler.GetUIDValidity(testConfig(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), validity)
	assert.Equal(t, 1, sess.statusCalls)
}
