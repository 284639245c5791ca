package imap

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferFolderType(t *testing.T) {
	tests := []struct {
		name  string
		attrs []imap.MailboxAttr
		want  FolderType
	}{
		{"INBOX", nil, FolderInbox},
		{"Sent Items", nil, FolderSent},
		{"Drafts", nil, FolderDrafts},
		{"Deleted Items", nil, FolderTrash},
		{"Junk", nil, FolderSpam},
		{"Archive", nil, FolderArchive},
		{"Receipts", nil, FolderCustom},
		// Attributes win over the name.
		{"Weird", []imap.MailboxAttr{imap.MailboxAttrSent}, FolderSent},
		{"Elsewhere", []imap.MailboxAttr{imap.MailboxAttrJunk}, FolderSpam},
		{"[Gmail]/All Mail", []imap.MailboxAttr{imap.MailboxAttrAll}, FolderArchive},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, inferFolderType(tc.name, tc.attrs))
		})
	}
}

func TestFolderDisplayName(t *testing.T) {
	assert.Equal(t, "Sent Mail", folderDisplayName("[Gmail]/Sent Mail", "/"))
	assert.Equal(t, "2023", folderDisplayName("Archive/2023", "/"))
	assert.Equal(t, "INBOX", folderDisplayName("INBOX", "/"))
	assert.Equal(t, "Plain", folderDisplayName("Plain", ""))
}

func TestFolderFromListDataMarksNoSelect(t *testing.T) {
	folder := folderFromListData(&imap.ListData{
		Mailbox: "[Gmail]",
		Delim:   '/',
		Attrs:   []imap.MailboxAttr{imap.MailboxAttrNoSelect},
	})
	assert.False(t, folder.Selectable)
	assert.Equal(t, "/", folder.Delimiter)
}

func bufferFor(uid imap.UID, flags []imap.Flag, raw string) *imapclient.FetchMessageBuffer {
	return &imapclient.FetchMessageBuffer{
		UID:   uid,
		Flags: flags,
		BodySection: []imapclient.FetchBodySectionBuffer{
			{Section: &imap.FetchItemBodySection{}, Bytes: []byte(raw)},
		},
	}
}

func TestParseMessagePlainText(t *testing.T) {
	raw := "From: Alice Example <alice@example.com>\r\n" +
		"To: bob@example.com, carol@example.com\r\n" +
		"Cc: dave@example.com\r\n" +
		"Subject: Weekly report\r\n" +
		"Message-ID: <report-1@example.com>\r\n" +
		"Date: Mon, 02 Jan 2023 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Numbers attached next week.\r\n"

	msg, err := parseMessage(bufferFor(7, []imap.Flag{imap.FlagSeen, imap.FlagFlagged}, raw), "INBOX")
	require.NoError(t, err)

	assert.Equal(t, uint32(7), msg.UID)
	assert.Equal(t, "INBOX", msg.Folder)
	assert.Equal(t, "alice@example.com", msg.From)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msg.To)
	assert.Equal(t, []string{"dave@example.com"}, msg.Cc)
	assert.Equal(t, "Weekly report", msg.Subject)
	assert.Equal(t, "<report-1@example.com>", msg.MessageID)
	assert.Equal(t, "Numbers attached next week.\r\n", msg.TextBody)
	assert.Empty(t, msg.HTMLBody)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsStarred)
	assert.Equal(t, int64(len(raw)), msg.Size)

	wantDate := time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, wantDate.UnixMilli(), msg.ReceivedAt)
}

func TestParseMessageMultipartWithAttachment(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Invoice\r\n" +
		"Date: Tue, 03 Jan 2023 09:30:00 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"Invoice attached.\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>Invoice attached.</p>\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"invoice.pdf\"\r\n" +
		"\r\n" +
		"%PDF-1.4 fake\r\n" +
		"--outer--\r\n"

	msg, err := parseMessage(bufferFor(8, nil, raw), "INBOX")
	require.NoError(t, err)

	assert.Equal(t, "Invoice attached.", msg.TextBody)
	assert.Equal(t, "<p>Invoice attached.</p>", msg.HTMLBody)
	assert.Equal(t, 1, msg.AttachmentCount)
	assert.False(t, msg.IsRead)
}

func TestParseMessageMissingDateFallsBack(t *testing.T) {
	raw := "From: alice@example.com\r\n" +
		"Subject: No date\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hi\r\n"

	before := time.Now().UnixMilli()
	msg, err := parseMessage(bufferFor(9, nil, raw), "INBOX")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, msg.ReceivedAt, before)
}

func TestParseMessageWithoutBodySection(t *testing.T) {
	_, err := parseMessage(&imapclient.FetchMessageBuffer{UID: 10}, "INBOX")
	assert.Error(t, err)
}

func TestApplyFlagsFolderHeuristics(t *testing.T) {
	var spam Message
	applyFlags(&spam, []imap.Flag{imap.FlagSeen}, "Junk")
	assert.True(t, spam.IsSpam)
	assert.True(t, spam.IsRead)

	var sent Message
	applyFlags(&sent, nil, "Sent Items")
	assert.True(t, sent.IsSent)

	var draft Message
	applyFlags(&draft, []imap.Flag{imap.FlagDraft}, "INBOX")
	assert.True(t, draft.IsDraft)
}

func TestParseSearchCriteria(t *testing.T) {
	criteria, err := parseSearchCriteria(`UNSEEN FROM alice@example.com SUBJECT "weekly report" SINCE 01-Jan-2023`)
	require.NoError(t, err)

	assert.Equal(t, []imap.Flag{imap.FlagSeen}, criteria.NotFlag)
	require.Len(t, criteria.Header, 2)
	assert.Equal(t, "FROM", criteria.Header[0].Key)
	assert.Equal(t, "alice@example.com", criteria.Header[0].Value)
	assert.Equal(t, "SUBJECT", criteria.Header[1].Key)
	assert.Equal(t, "weekly report", criteria.Header[1].Value)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), criteria.Since)
}

func TestParseSearchCriteriaUIDSet(t *testing.T) {
	criteria, err := parseSearchCriteria("UID 1:10,42")
	require.NoError(t, err)
	require.Len(t, criteria.UID, 1)
	assert.Equal(t, imap.UIDSet{
		imap.UIDRange{Start: 1, Stop: 10},
		imap.UIDRange{Start: 42, Stop: 42},
	}, criteria.UID[0])
}

func TestParseSearchCriteriaErrors(t *testing.T) {
	_, err := parseSearchCriteria("BOGUS")
	assert.Error(t, err)

	_, err = parseSearchCriteria("FROM")
	assert.Error(t, err)

	_, err = parseSearchCriteria("SINCE notadate")
	assert.Error(t, err)

	_, err = parseSearchCriteria("UID abc")
	assert.Error(t, err)
}
