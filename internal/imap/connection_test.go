package imap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	uid   imap.UID
	op    imap.StoreFlagsOp
	flags []imap.Flag
}

type fakeSession struct {
	mu sync.Mutex

	loginErr    error
	loginCalls  int
	selectCalls []string
	selectErr   error
	uidValidity map[string]uint32
	listData    []*imap.ListData
	listErr     error
	statusCalls int
	statusData  *imap.StatusData
	statusErr   error
	searchData  *imap.SearchData
	searchErr   error
	fetchBufs   map[imap.UID]*imapclient.FetchMessageBuffer
	stores      []fakeStore
	idleErr     error
	idleHandles []*fakeIdleHandle
	loggedOut   bool
	closed      bool
}

func (f *fakeSession) Login(username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	return f.loginErr
}

func (f *fakeSession) Select(folder string) (*imap.SelectData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls = append(f.selectCalls, folder)
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	validity := f.uidValidity[folder]
	return &imap.SelectData{NumMessages: 3, UIDValidity: validity}, nil
}

func (f *fakeSession) List() ([]*imap.ListData, error) {
	return f.listData, f.listErr
}

func (f *fakeSession) Status(folder string) (*imap.StatusData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if f.statusData != nil {
		return f.statusData, nil
	}
	return &imap.StatusData{Mailbox: folder, UIDValidity: f.uidValidity[folder]}, nil
}

func (f *fakeSession) UIDSearch(criteria *imap.SearchCriteria) (*imap.SearchData, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if f.searchData != nil {
		return f.searchData, nil
	}
	return &imap.SearchData{}, nil
}

func (f *fakeSession) FetchFull(uid imap.UID) (*imapclient.FetchMessageBuffer, error) {
	buf, ok := f.fetchBufs[uid]
	if !ok {
		return nil, errors.New("no such message")
	}
	return buf, nil
}

func (f *fakeSession) Store(uid imap.UID, op imap.StoreFlagsOp, flags []imap.Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores = append(f.stores, fakeStore{uid: uid, op: op, flags: flags})
	return nil
}

func (f *fakeSession) Idle() (idleHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idleErr != nil {
		return nil, f.idleErr
	}
	handle := newFakeIdleHandle()
	f.idleHandles = append(f.idleHandles, handle)
	return handle, nil
}

func (f *fakeSession) Noop() error { return nil }

func (f *fakeSession) Logout() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeIdleHandle struct {
	once sync.Once
	done chan struct{}
}

func newFakeIdleHandle() *fakeIdleHandle {
	return &fakeIdleHandle{done: make(chan struct{})}
}

func (h *fakeIdleHandle) Close() error {
	h.once.Do(func() { close(h.done) })
	return nil
}

func (h *fakeIdleHandle) Wait() error {
	<-h.done
	return nil
}

func testConfig() ConnectionConfig {
	return NewConnectionConfig("imap.example.com", 993, "user", "secret")
}

func newTestConnection(t *testing.T, sess *fakeSession) (*Connection, *[]time.Duration) {
	t.Helper()
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	conn := NewConnection(cfg, zerolog.Nop())
	sleeps := &[]time.Duration{}
	conn.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	conn.dial = func(ConnectionConfig, *imapclient.UnilateralDataHandler) (session, error) {
		return sess, nil
	}
	return conn, sleeps
}

func TestConnectRetriesWithLinearBackoff(t *testing.T) {
	sess := &fakeSession{}
	conn, sleeps := newTestConnection(t, sess)

	attempts := 0
	conn.dial = func(ConnectionConfig, *imapclient.UnilateralDataHandler) (session, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return sess, nil
	}

	require.True(t, conn.Connect())
	assert.Equal(t, StateAuthenticated, conn.State())
	assert.Equal(t, 3, attempts)

	delay := conn.Config().RetryDelay
	assert.Equal(t, []time.Duration{delay, 2 * delay}, *sleeps)
}

func TestConnectExhaustsRetriesAndEntersErrorState(t *testing.T) {
	conn, sleeps := newTestConnection(t, nil)

	attempts := 0
	conn.dial = func(ConnectionConfig, *imapclient.UnilateralDataHandler) (session, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	require.False(t, conn.Connect())
	assert.Equal(t, StateError, conn.State())
	assert.Equal(t, conn.Config().MaxRetries, attempts)
	assert.Len(t, *sleeps, conn.Config().MaxRetries-1)
}

func TestConnectClosesSessionWhenLoginFails(t *testing.T) {
	sess := &fakeSession{loginErr: errors.New("authentication failed")}
	conn, _ := newTestConnection(t, sess)

	require.False(t, conn.Connect())
	assert.Equal(t, StateError, conn.State())
	assert.True(t, sess.closed)
}

func TestConnectIsIdempotentWhileAuthenticated(t *testing.T) {
	sess := &fakeSession{}
	conn, _ := newTestConnection(t, sess)

	dials := 0
	conn.dial = func(ConnectionConfig, *imapclient.UnilateralDataHandler) (session, error) {
		dials++
		return sess, nil
	}

	require.True(t, conn.Connect())
	require.True(t, conn.Connect())
	assert.Equal(t, 1, dials)
}

func TestSelectFolderCachesUIDValidity(t *testing.T) {
	sess := &fakeSession{uidValidity: map[string]uint32{"INBOX": 99, "Archive": 7}}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())

	ok, count := conn.SelectFolder("INBOX")
	require.True(t, ok)
	assert.Equal(t, uint32(3), count)
	assert.Equal(t, StateSelected, conn.State())

	// Selected folders answer from cache without a STATUS round trip.
	assert.Equal(t, uint32(99), conn.GetUIDValidity("INBOX"))
	assert.Equal(t, 0, sess.statusCalls)

	// Unselected folders cost exactly one STATUS, then hit the cache.
	assert.Equal(t, uint32(7), conn.GetUIDValidity("Archive"))
	assert.Equal(t, uint32(7), conn.GetUIDValidity("Archive"))
	assert.Equal(t, 1, sess.statusCalls)
}

func TestStoreFlagsSelectsFolderWhenItDiffers(t *testing.T) {
	sess := &fakeSession{}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())

	require.True(t, conn.SetFlags(42, []string{`\Seen`}, "Archive"))
	assert.Equal(t, []string{"Archive"}, sess.selectCalls)
	require.Len(t, sess.stores, 1)
	assert.Equal(t, imap.UID(42), sess.stores[0].uid)
	assert.Equal(t, imap.StoreFlagsAdd, sess.stores[0].op)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, sess.stores[0].flags)

	// Same folder again, no extra SELECT.
	require.True(t, conn.ClearFlags(42, []string{`\Seen`}, "Archive"))
	assert.Equal(t, []string{"Archive"}, sess.selectCalls)
	assert.Equal(t, imap.StoreFlagsDel, sess.stores[1].op)
}

func TestFetchMessagesSkipsUnparsableEntries(t *testing.T) {
	raw := []byte("From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Status\r\n" +
		"Date: Mon, 02 Jan 2023 10:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"All good.\r\n")

	sess := &fakeSession{
		searchData: &imap.SearchData{All: imap.UIDSetNum(5, 6)},
		fetchBufs: map[imap.UID]*imapclient.FetchMessageBuffer{
			5: {
				UID:   5,
				Flags: []imap.Flag{imap.FlagSeen},
				BodySection: []imapclient.FetchBodySectionBuffer{
					{Section: &imap.FetchItemBodySection{}, Bytes: raw},
				},
			},
			// UID 6 is missing and must be skipped.
		},
	}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())

	messages := conn.FetchMessages("INBOX", 0, 0)
	require.Len(t, messages, 1)
	assert.Equal(t, uint32(5), messages[0].UID)
	assert.Equal(t, "alice@example.com", messages[0].From)
	assert.Equal(t, "Status", messages[0].Subject)
	assert.True(t, messages[0].IsRead)
	assert.Equal(t, "All good.\r\n", messages[0].TextBody)
}

func TestSearchRejectsUnsupportedCriteria(t *testing.T) {
	sess := &fakeSession{searchData: &imap.SearchData{All: imap.UIDSetNum(9)}}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())

	assert.Equal(t, []uint32{9}, conn.Search("INBOX", "UNSEEN"))
	assert.Nil(t, conn.Search("INBOX", "BOGUS token"))
}

func TestIdleDeliversPushEventsToCallback(t *testing.T) {
	sess := &fakeSession{}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())
	ok, _ := conn.SelectFolder("INBOX")
	require.True(t, ok)

	events := make(chan IdleEvent, 4)
	require.True(t, conn.StartIdle(func(ev IdleEvent) { events <- ev }))
	assert.Equal(t, StateIdle, conn.State())

	conn.idleEvents <- IdleEvent{Folder: "INBOX", NumMessages: 4}

	select {
	case ev := <-events:
		assert.Equal(t, "INBOX", ev.Folder)
		assert.Equal(t, uint32(4), ev.NumMessages)
	case <-time.After(2 * time.Second):
		t.Fatal("push event never reached the callback")
	}

	require.True(t, conn.StopIdle())
	assert.Equal(t, StateAuthenticated, conn.State())
}

func TestStartIdleTwiceIsRejected(t *testing.T) {
	sess := &fakeSession{}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())
	ok, _ := conn.SelectFolder("INBOX")
	require.True(t, ok)

	require.True(t, conn.StartIdle(nil))
	assert.False(t, conn.StartIdle(nil))
	require.True(t, conn.StopIdle())
}

func TestStopIdleWithoutStart(t *testing.T) {
	sess := &fakeSession{}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())

	assert.False(t, conn.StopIdle())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	sess := &fakeSession{}
	conn, _ := newTestConnection(t, sess)
	require.True(t, conn.Connect())

	conn.Disconnect()
	conn.Disconnect()
	assert.Equal(t, StateDisconnected, conn.State())
	assert.True(t, sess.loggedOut)
	assert.True(t, sess.closed)
}
