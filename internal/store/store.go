// Package store provides read/write access to the chat archive database.
//
// Two backends implement the same capability set: a server-based Postgres
// store and an embedded SQLite store. The archive tables (chats, messages,
// users, media, ...) are owned by the archiver process; this package only
// creates the viewer-side tables (viewer accounts, audit log, push
// subscriptions). Access-scope filtering is NOT done here; callers intersect
// results with the caller's scope.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned on unique-constraint violations (e.g. duplicate
	// viewer username).
	ErrConflict = errors.New("store: conflict")
)

// Chat is one archived dialog. IDs use the marked form: positive for private
// chats, negative for groups, magnitude >= 10^12 for supergroups/channels.
type Chat struct {
	ID                  int64      `json:"id"`
	Type                string     `json:"type"` // private|bot|group|supergroup|channel
	Title               *string    `json:"title"`
	Username            *string    `json:"username"`
	FirstName           *string    `json:"first_name,omitempty"`
	LastName            *string    `json:"last_name,omitempty"`
	AvatarPhotoID       *int64     `json:"avatar_photo_id,omitempty"`
	Archived            bool       `json:"archived"`
	FolderID            *int       `json:"folder_id,omitempty"`
	LastMessageDate     *time.Time `json:"last_message_date"`
	LastSyncedMessageID int64      `json:"last_synced_message_id"`
}

// Message is one archived message. Identity is (ChatID, ID). Sender and media
// fields are denormalized by the list queries so the viewer needs no extra
// round trips.
type Message struct {
	ID             int64           `json:"id"`
	ChatID         int64           `json:"chat_id"`
	SenderID       *int64          `json:"sender_id"`
	SenderName     *string         `json:"sender_name,omitempty"`
	SenderLastName *string         `json:"sender_last_name,omitempty"`
	SenderUsername *string         `json:"sender_username,omitempty"`
	Date           time.Time       `json:"date"`
	Text           string          `json:"text"`
	ReplyToMsgID   *int64          `json:"reply_to_msg_id,omitempty"`
	ForwardFromID  *int64          `json:"forward_from_id,omitempty"`
	EditDate       *time.Time      `json:"edit_date,omitempty"`
	MediaType      *string         `json:"media_type,omitempty"`
	MediaID        *string         `json:"media_id,omitempty"`
	MediaPath      *string         `json:"media_path,omitempty"`
	MediaMime      *string         `json:"media_mime,omitempty"`
	MediaSize      *int64          `json:"media_size,omitempty"`
	TopicID        *int64          `json:"topic_id,omitempty"`
	IsPinned       bool            `json:"is_pinned"`
	IsOutgoing     bool            `json:"is_outgoing"`
	Raw            json.RawMessage `json:"-"`
}

// User is a message sender. Messages survive unknown senders; there is no
// cascade between users and messages.
type User struct {
	ID        int64   `json:"id"`
	Username  *string `json:"username"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone,omitempty"`
	IsBot     bool    `json:"is_bot"`
}

// Folder is a user-created dialog folder with its chat count.
type Folder struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	ChatCount int    `json:"chat_count"`
}

// Topic is a forum topic within a supergroup.
type Topic struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	MessageCount int    `json:"message_count"`
}

// ChatStats are per-chat counters for the chat info panel.
type ChatStats struct {
	MessageCount     int64      `json:"message_count"`
	MediaCount       int64      `json:"media_count"`
	MediaSizeBytes   int64      `json:"media_size_bytes"`
	FirstMessageDate *time.Time `json:"first_message_date"`
	LastMessageDate  *time.Time `json:"last_message_date"`
}

// Statistics is the archive-wide summary, recomputed daily and cached in the
// metadata table.
type Statistics struct {
	Chats        int64      `json:"chats"`
	Messages     int64      `json:"messages"`
	Users        int64      `json:"users"`
	MediaFiles   int64      `json:"media_files"`
	TotalSizeMB  float64    `json:"total_size_mb"`
	CalculatedAt *time.Time `json:"calculated_at,omitempty"`
}

// ViewerAccount is a storage-resident viewer login. AllowedChatIDs nil means
// the account sees everything the master sees; an explicit list restricts
// further (empty list = nothing visible).
type ViewerAccount struct {
	ID             int       `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	Salt           string    `json:"-"`
	AllowedChatIDs []int64   `json:"allowed_chat_ids"`
	IsActive       bool      `json:"is_active"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AuditEntry is one append-only access-log row.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Action    string    `json:"action"`
	Endpoint  *string   `json:"endpoint,omitempty"`
	ChatID    *int64    `json:"chat_id,omitempty"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PushSubscription is one browser push endpoint, tagged with the scope of the
// viewer that subscribed.
type PushSubscription struct {
	Endpoint       string    `json:"endpoint"`
	P256dh         string    `json:"p256dh"`
	Auth           string    `json:"auth"`
	Username       *string   `json:"username,omitempty"`
	AllowedChatIDs []int64   `json:"allowed_chat_ids,omitempty"`
	UserAgent      *string   `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChangeKind classifies a change event from the archiver.
type ChangeKind string

const (
	ChangeNewMessage ChangeKind = "new_message"
	ChangeEdit       ChangeKind = "edit"
	ChangeDelete     ChangeKind = "delete"
)

// ChangeData is the kind-specific payload of a change event.
type ChangeData struct {
	Message   json.RawMessage `json:"message,omitempty"`    // new_message
	MessageID int64           `json:"message_id,omitempty"` // edit, delete
	NewText   string          `json:"new_text,omitempty"`   // edit
	EditDate  string          `json:"edit_date,omitempty"`  // edit, ISO-8601
}

// ChangeEvent is the normalized record both backends emit: Postgres via
// LISTEN/NOTIFY, SQLite via the loopback HTTP ingest endpoint.
type ChangeEvent struct {
	Type   ChangeKind `json:"type"`
	ChatID int64      `json:"chat_id"`
	Data   ChangeData `json:"data"`
}

// ListChatsOpts filters and paginates the chat listing.
type ListChatsOpts struct {
	Limit    int
	Offset   int
	Search   string
	Archived *bool
	FolderID *int

	// ChatIDs restricts results to the given chats. nil means no
	// restriction; an empty slice matches nothing. Carries viewer scopes
	// down into the query.
	ChatIDs []int64
}

// MessageQuery filters and paginates a per-chat message listing. When both
// BeforeDate and BeforeID are set they form a cursor: rows with
// (date, id) < (BeforeDate, BeforeID), newest first. Otherwise Offset is used.
type MessageQuery struct {
	ChatID     int64
	Limit      int
	Offset     int
	Search     string
	BeforeDate *time.Time
	BeforeID   *int64
	TopicID    *int64
}

// Store is the uniform capability set over both backends.
type Store interface {
	// Chats.
	GetChat(ctx context.Context, id int64) (*Chat, error)
	ListChats(ctx context.Context, opts ListChatsOpts) ([]Chat, error)
	CountChats(ctx context.Context, opts ListChatsOpts) (int, error)
	CountArchivedChats(ctx context.Context) (int, error)

	// Messages.
	GetMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	FindMessageByDate(ctx context.Context, chatID int64, dateUTC time.Time) (*Message, error)
	GetPinned(ctx context.Context, chatID int64) ([]Message, error)
	GetFolders(ctx context.Context) ([]Folder, error)
	GetTopics(ctx context.Context, chatID int64) ([]Topic, error)
	GetChatStats(ctx context.Context, chatID int64) (*ChatStats, error)
	GetUser(ctx context.Context, id int64) (*User, error)

	// ExportMessages streams every message of a chat oldest-first through fn,
	// one row at a time. It never materializes the full chat in memory.
	ExportMessages(ctx context.Context, chatID int64, fn func(*Message) error) error

	// Mutations applied by the release loop.
	UpdateMessageText(ctx context.Context, chatID, messageID int64, newText string, editDate time.Time) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// Statistics and metadata.
	ComputeStatistics(ctx context.Context) (*Statistics, error)
	GetCachedStatistics(ctx context.Context) (*Statistics, error)
	GetMetadata(ctx context.Context, key string) (string, error)
	SetMetadata(ctx context.Context, key, value string) error

	// Viewer accounts.
	ListViewerAccounts(ctx context.Context) ([]ViewerAccount, error)
	GetViewerAccount(ctx context.Context, id int) (*ViewerAccount, error)
	GetViewerByUsername(ctx context.Context, username string) (*ViewerAccount, error)
	CreateViewerAccount(ctx context.Context, acct *ViewerAccount) error
	UpdateViewerAccount(ctx context.Context, acct *ViewerAccount) error
	DeleteViewerAccount(ctx context.Context, id int) error

	// Audit log.
	CreateAuditLog(ctx context.Context, entry AuditEntry) error
	GetAuditLogs(ctx context.Context, limit, offset int, username string) ([]AuditEntry, error)

	// Push subscriptions.
	UpsertPushSubscription(ctx context.Context, sub PushSubscription) error
	DeletePushSubscription(ctx context.Context, endpoint string) (bool, error)
	ListPushSubscriptions(ctx context.Context) ([]PushSubscription, error)

	// ChangeEvents is the single-consumer stream of normalized archive
	// mutations. The channel closes when the store shuts down.
	ChangeEvents() <-chan ChangeEvent

	Close(ctx context.Context) error
}

// ChangeInjector is implemented by backends whose change stream is fed over
// HTTP instead of a database notification channel.
type ChangeInjector interface {
	PushChangeEvent(ev ChangeEvent) bool
}

// truncate strips sub-second precision and the timezone; archive timestamps
// are naive UTC.
func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
