package imap

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// folderFromListData converts a LIST entry into a Folder.
func folderFromListData(entry *imap.ListData) Folder {
	flags := make([]string, 0, len(entry.Attrs))
	selectable := true
	for _, attr := range entry.Attrs {
		flags = append(flags, string(attr))
		if attr == imap.MailboxAttrNoSelect {
			selectable = false
		}
	}

	delim := ""
	if entry.Delim != 0 {
		delim = string(entry.Delim)
	}

	return Folder{
		Name:        entry.Mailbox,
		DisplayName: folderDisplayName(entry.Mailbox, delim),
		Type:        inferFolderType(entry.Mailbox, entry.Attrs),
		Flags:       flags,
		Selectable:  selectable,
		Delimiter:   delim,
	}
}

// inferFolderType maps a mailbox onto its role. Explicit mailbox attributes
// win over name heuristics.
func inferFolderType(name string, attrs []imap.MailboxAttr) FolderType {
	has := func(want imap.MailboxAttr) bool {
		for _, attr := range attrs {
			if strings.EqualFold(string(attr), string(want)) {
				return true
			}
		}
		return false
	}

	switch {
	case has(imap.MailboxAttrSent):
		return FolderSent
	case has(imap.MailboxAttrDrafts):
		return FolderDrafts
	case has(imap.MailboxAttrTrash):
		return FolderTrash
	case has(imap.MailboxAttrJunk):
		return FolderSpam
	case has(imap.MailboxAttrAll), has(imap.MailboxAttrArchive):
		return FolderArchive
	}

	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "inbox"):
		return FolderInbox
	case strings.Contains(lower, "sent"):
		return FolderSent
	case strings.Contains(lower, "draft"):
		return FolderDrafts
	case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
		return FolderTrash
	case strings.Contains(lower, "spam"), strings.Contains(lower, "junk"):
		return FolderSpam
	case strings.Contains(lower, "archive"), strings.Contains(lower, "all"):
		return FolderArchive
	}
	return FolderCustom
}

// folderDisplayName strips provider prefixes and hierarchy segments.
func folderDisplayName(name, delim string) string {
	if strings.HasPrefix(name, "[Gmail]/") {
		return name[len("[Gmail]/"):]
	}
	if delim != "" {
		parts := strings.Split(name, delim)
		return parts[len(parts)-1]
	}
	return name
}

// parseMessage turns a raw fetch buffer into a structured Message.
func parseMessage(buf *imapclient.FetchMessageBuffer, folder string) (Message, error) {
	raw := buf.FindBodySection(&imap.FetchItemBodySection{})
	if raw == nil {
		return Message{}, fmt.Errorf("no body section for UID %d", buf.UID)
	}

	msg := Message{
		UID:    uint32(buf.UID),
		Folder: folder,
		Size:   buf.RFC822Size,
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw))
	}

	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return Message{}, fmt.Errorf("parsing message: %w", err)
	}

	header := mail.Header{Header: entity.Header}
	msg.Subject, _ = header.Subject()
	msg.MessageID, _ = header.MessageID()
	if msg.MessageID != "" {
		msg.MessageID = "<" + msg.MessageID + ">"
	}
	msg.From = firstAddress(header, "From")
	msg.To = addressList(header, "To")
	msg.Cc = addressList(header, "Cc")
	msg.Bcc = addressList(header, "Bcc")

	// Malformed or missing dates fall back to the receive time.
	if date, err := header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UnixMilli()
	} else {
		msg.ReceivedAt = time.Now().UnixMilli()
	}

	extractBody(&msg, entity)
	applyFlags(&msg, buf.Flags, folder)
	return msg, nil
}

func firstAddress(header mail.Header, key string) string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return header.Get(key)
	}
	return addrs[0].Address
}

func addressList(header mail.Header, key string) []string {
	addrs, err := header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Address)
	}
	return out
}

// extractBody fills the first text/plain and text/html parts and counts
// parts carrying a filename as attachments.
func extractBody(msg *Message, entity *gomessage.Entity) {
	if mr := entity.MultipartReader(); mr != nil {
		extractMultipart(msg, mr)
		return
	}

	ct, _, _ := entity.Header.ContentType()
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	if strings.HasPrefix(ct, "text/html") {
		msg.HTMLBody = string(body)
	} else {
		msg.TextBody = string(body)
	}
}

func extractMultipart(msg *Message, mr gomessage.MultipartReader) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		ah := mail.AttachmentHeader{Header: part.Header}
		if filename, err := ah.Filename(); err == nil && filename != "" {
			msg.AttachmentCount++
			continue
		}

		ct, _, _ := part.Header.ContentType()
		switch {
		case strings.HasPrefix(ct, "text/plain") && msg.TextBody == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				msg.TextBody = string(body)
			}
		case strings.HasPrefix(ct, "text/html") && msg.HTMLBody == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				msg.HTMLBody = string(body)
			}
		case strings.HasPrefix(ct, "multipart/"):
			if nested := part.MultipartReader(); nested != nil {
				extractMultipart(msg, nested)
			}
		}
	}
}

func applyFlags(msg *Message, flags []imap.Flag, folder string) {
	msg.Flags = make([]string, 0, len(flags))
	for _, f := range flags {
		msg.Flags = append(msg.Flags, string(f))
		switch f {
		case imap.FlagSeen:
			msg.IsRead = true
		case imap.FlagFlagged:
			msg.IsStarred = true
		case imap.FlagDeleted:
			msg.IsDeleted = true
		case imap.FlagDraft:
			msg.IsDraft = true
		}
	}

	lower := strings.ToLower(folder)
	if strings.Contains(lower, "spam") || strings.Contains(lower, "junk") {
		msg.IsSpam = true
	}
	if lower == "drafts" {
		msg.IsDraft = true
	}
	if strings.Contains(lower, "sent") {
		msg.IsSent = true
	}
}

// parseSearchCriteria maps a criteria string in the classic IMAP SEARCH
// syntax onto structured criteria. Only the subset this core issues is
// supported.
func parseSearchCriteria(raw string) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}
	tokens := tokenizeCriteria(raw)
	if len(tokens) == 0 {
		return criteria, nil
	}

	for i := 0; i < len(tokens); i++ {
		key := strings.ToUpper(tokens[i])
		arg := func() (string, error) {
			if i+1 >= len(tokens) {
				return "", fmt.Errorf("criteria %q requires an argument", key)
			}
			i++
			return tokens[i], nil
		}

		switch key {
		case "ALL":
		case "SEEN":
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		case "UNSEEN":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		case "FLAGGED":
			criteria.Flag = append(criteria.Flag, imap.FlagFlagged)
		case "UNFLAGGED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagFlagged)
		case "DELETED":
			criteria.Flag = append(criteria.Flag, imap.FlagDeleted)
		case "UNDELETED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagDeleted)
		case "DRAFT":
			criteria.Flag = append(criteria.Flag, imap.FlagDraft)
		case "ANSWERED":
			criteria.Flag = append(criteria.Flag, imap.FlagAnswered)
		case "UNANSWERED":
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagAnswered)
		case "FROM", "TO", "CC", "BCC", "SUBJECT":
			value, err := arg()
			if err != nil {
				return nil, err
			}
			criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
				Key:   key,
				Value: value,
			})
		case "TEXT":
			value, err := arg()
			if err != nil {
				return nil, err
			}
			criteria.Text = append(criteria.Text, value)
		case "SINCE", "BEFORE":
			value, err := arg()
			if err != nil {
				return nil, err
			}
			date, err := time.Parse("02-Jan-2006", value)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", value, err)
			}
			if key == "SINCE" {
				criteria.Since = date
			} else {
				criteria.Before = date
			}
		case "UID":
			value, err := arg()
			if err != nil {
				return nil, err
			}
			set, err := parseUIDSet(value)
			if err != nil {
				return nil, err
			}
			criteria.UID = append(criteria.UID, set)
		default:
			return nil, fmt.Errorf("unsupported search criteria %q", key)
		}
	}
	return criteria, nil
}

func tokenizeCriteria(raw string) []string {
	fields := strings.Fields(raw)
	tokens := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		field := fields[i]
		if strings.HasPrefix(field, `"`) && !strings.HasSuffix(field, `"`) {
			joined := field
			for i+1 < len(fields) {
				i++
				joined += " " + fields[i]
				if strings.HasSuffix(fields[i], `"`) {
					break
				}
			}
			field = joined
		}
		tokens = append(tokens, strings.Trim(field, `"`))
	}
	return tokens
}

func parseUIDSet(raw string) (imap.UIDSet, error) {
	var set imap.UIDSet
	for _, part := range strings.Split(raw, ",") {
		if start, stop, ok := strings.Cut(part, ":"); ok {
			r := imap.UIDRange{}
			n, err := strconv.ParseUint(start, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid UID range %q", part)
			}
			r.Start = imap.UID(n)
			if stop != "*" {
				n, err := strconv.ParseUint(stop, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("invalid UID range %q", part)
				}
				r.Stop = imap.UID(n)
			}
			set = append(set, r)
			continue
		}
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid UID %q", part)
		}
		set = append(set, imap.UIDRange{Start: imap.UID(n), Stop: imap.UID(n)})
	}
	return set, nil
}
