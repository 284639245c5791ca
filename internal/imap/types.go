package imap

// ConnectionState tracks where a single connection is in its lifecycle.
// Transitions are serialized by the owning Connection's lock.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticated
	StateSelected
	StateIdle
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateIdle:
		return "idle"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// FolderType classifies a mailbox by its role.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderSpam    FolderType = "spam"
	FolderArchive FolderType = "archive"
	FolderCustom  FolderType = "custom"
)

// Folder is the structured representation of a LIST entry.
type Folder struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	Type        FolderType `json:"type"`
	Flags       []string   `json:"flags"`
	Selectable  bool       `json:"selectable"`
	Delimiter   string     `json:"delimiter"`
	UnreadCount uint32     `json:"unreadCount"`
	TotalCount  uint32     `json:"totalCount"`
	UIDValidity uint32     `json:"uidValidity"`
}

// Message is the structured representation of a fetched message.
// The UID is only stable while the folder's UIDVALIDITY is unchanged.
type Message struct {
	UID             uint32   `json:"uid"`
	Folder          string   `json:"folder"`
	MessageID       string   `json:"messageId"`
	From            string   `json:"from"`
	To              []string `json:"to"`
	Cc              []string `json:"cc"`
	Bcc             []string `json:"bcc"`
	Subject         string   `json:"subject"`
	TextBody        string   `json:"textBody"`
	HTMLBody        string   `json:"htmlBody"`
	ReceivedAt      int64    `json:"receivedAt"` // epoch millis
	IsRead          bool     `json:"isRead"`
	IsStarred       bool     `json:"isStarred"`
	IsDeleted       bool     `json:"isDeleted"`
	IsSpam          bool     `json:"isSpam"`
	IsDraft         bool     `json:"isDraft"`
	IsSent          bool     `json:"isSent"`
	AttachmentCount int      `json:"attachmentCount"`
	Size            int64    `json:"size"`
	Flags           []string `json:"flags"`
}
