package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLite is the file-based backend. SQLite has no NOTIFY, so change events are
// injected by the archiver over the loopback ingest endpoint via
// PushChangeEvent.
type SQLite struct {
	db     *sql.DB
	events chan ChangeEvent
}

// OpenSQLite opens the archive database file and bootstraps the viewer-side
// tables.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// A single writer keeps SQLite happy under concurrent HTTP handlers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLite{
		db:     db,
		events: make(chan ChangeEvent, 256),
	}
	if err := s.ensureViewerSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("viewer schema: %w", err)
	}

	log.Info().Str("path", path).Msg("sqlite database opened")
	return s, nil
}

func (s *SQLite) ensureViewerSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS viewer_accounts (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			username         TEXT NOT NULL UNIQUE,
			password_hash    TEXT NOT NULL,
			salt             TEXT NOT NULL,
			allowed_chat_ids TEXT,
			is_active        INTEGER NOT NULL DEFAULT 1,
			created_by       TEXT,
			created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS viewer_audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL,
			role       TEXT NOT NULL,
			action     TEXT NOT NULL,
			endpoint   TEXT,
			chat_id    INTEGER,
			ip_address TEXT,
			user_agent TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_username ON viewer_audit_log (username)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON viewer_audit_log (created_at)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint         TEXT PRIMARY KEY,
			p256dh           TEXT NOT NULL,
			auth             TEXT NOT NULL,
			username         TEXT,
			allowed_chat_ids TEXT,
			user_agent       TEXT,
			created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS viewer_metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// PushChangeEvent feeds the change stream from the loopback ingest endpoint.
// Drops the event when the consumer is saturated rather than stalling the
// archiver's HTTP call.
func (s *SQLite) PushChangeEvent(ev ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	default:
		log.Warn().Str("type", string(ev.Type)).Int64("chat_id", ev.ChatID).
			Msg("change-event buffer full, dropping")
		return false
	}
}

func (s *SQLite) ChangeEvents() <-chan ChangeEvent { return s.events }

func (s *SQLite) Close(ctx context.Context) error {
	close(s.events)
	return s.db.Close()
}

// ----------------------------------------------------------------------------
// Scan helpers. SQLite stores timestamps as text, so datetime columns come
// back through parseTime.
// ----------------------------------------------------------------------------

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func timeFromNull(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func i64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

// fmtTime writes a timestamp the way the archiver does.
func fmtTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ----------------------------------------------------------------------------
// Chats
// ----------------------------------------------------------------------------

const sqChatColumns = `c.id, c.type, c.title, c.username, c.first_name, c.last_name,
	c.avatar_photo_id, COALESCE(c.is_archived, 0), c.folder_id,
	c.last_message_date, COALESCE(c.last_synced_message_id, 0)`

func (s *SQLite) scanChat(row rowScanner) (*Chat, error) {
	var c Chat
	var title, username, first, last sql.NullString
	var avatar, folder sql.NullInt64
	var lastDate sql.NullString
	var archived int

	err := row.Scan(&c.ID, &c.Type, &title, &username, &first, &last,
		&avatar, &archived, &folder, &lastDate, &c.LastSyncedMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	c.Title = strPtr(title)
	c.Username = strPtr(username)
	c.FirstName = strPtr(first)
	c.LastName = strPtr(last)
	c.AvatarPhotoID = i64Ptr(avatar)
	c.FolderID = intPtr(folder)
	c.Archived = archived != 0
	if c.LastMessageDate, err = timeFromNull(lastDate); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLite) GetChat(ctx context.Context, id int64) (*Chat, error) {
	return s.scanChat(s.db.QueryRowContext(ctx,
		`SELECT `+sqChatColumns+` FROM chats c WHERE c.id = ?`, id))
}

func sqChatFilter(opts ListChatsOpts) (string, []any) {
	var conds []string
	var args []any

	if opts.Search != "" {
		p := "%" + opts.Search + "%"
		conds = append(conds,
			"(c.title LIKE ? OR c.username LIKE ? OR c.first_name LIKE ? OR c.last_name LIKE ?)")
		args = append(args, p, p, p, p)
	}
	if opts.Archived != nil {
		conds = append(conds, "COALESCE(c.is_archived, 0) = ?")
		args = append(args, boolToInt(*opts.Archived))
	}
	if opts.FolderID != nil {
		conds = append(conds, "c.folder_id = ?")
		args = append(args, *opts.FolderID)
	}
	if opts.ChatIDs != nil {
		if len(opts.ChatIDs) == 0 {
			conds = append(conds, "1 = 0")
		} else {
			ph := strings.Repeat("?,", len(opts.ChatIDs))
			conds = append(conds, "c.id IN ("+ph[:len(ph)-1]+")")
			for _, id := range opts.ChatIDs {
				args = append(args, id)
			}
		}
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLite) ListChats(ctx context.Context, opts ListChatsOpts) ([]Chat, error) {
	where, args := sqChatFilter(opts)
	q := `SELECT ` + sqChatColumns + ` FROM chats c` + where +
		` ORDER BY c.last_message_date IS NULL, c.last_message_date DESC, c.id`
	if opts.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c, err := s.scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func (s *SQLite) CountChats(ctx context.Context, opts ListChatsOpts) (int, error) {
	where, args := sqChatFilter(opts)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats c`+where, args...).Scan(&n)
	return n, err
}

func (s *SQLite) CountArchivedChats(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chats c WHERE COALESCE(c.is_archived, 0) = 1`).Scan(&n)
	return n, err
}

// ----------------------------------------------------------------------------
// Messages
// ----------------------------------------------------------------------------

const sqMessageColumns = `m.id, m.chat_id, m.sender_id, u.first_name, u.last_name, u.username,
	m.date, COALESCE(m.text, ''), m.reply_to_msg_id, m.forward_from_id, m.edit_date,
	m.media_type, m.media_id, m.media_path, md.mime_type, md.file_size,
	m.topic_id, COALESCE(m.is_pinned, 0), COALESCE(m.is_outgoing, 0), m.raw_data`

const sqMessageJoins = ` FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	LEFT JOIN media md ON md.id = m.media_id`

func (s *SQLite) scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var senderID, replyTo, fwdFrom, topicID, mediaSize sql.NullInt64
	var firstName, lastName, username sql.NullString
	var date string
	var editDate sql.NullString
	var mediaType, mediaID, mediaPath, mediaMime sql.NullString
	var pinned, outgoing int
	var raw sql.NullString

	err := row.Scan(&m.ID, &m.ChatID, &senderID, &firstName, &lastName, &username,
		&date, &m.Text, &replyTo, &fwdFrom, &editDate,
		&mediaType, &mediaID, &mediaPath, &mediaMime, &mediaSize,
		&topicID, &pinned, &outgoing, &raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	m.SenderID = i64Ptr(senderID)
	m.SenderName = strPtr(firstName)
	m.SenderLastName = strPtr(lastName)
	m.SenderUsername = strPtr(username)
	if m.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	m.ReplyToMsgID = i64Ptr(replyTo)
	m.ForwardFromID = i64Ptr(fwdFrom)
	if m.EditDate, err = timeFromNull(editDate); err != nil {
		return nil, err
	}
	m.MediaType = strPtr(mediaType)
	m.MediaID = strPtr(mediaID)
	m.MediaPath = strPtr(mediaPath)
	m.MediaMime = strPtr(mediaMime)
	m.MediaSize = i64Ptr(mediaSize)
	m.TopicID = i64Ptr(topicID)
	m.IsPinned = pinned != 0
	m.IsOutgoing = outgoing != 0
	if raw.Valid {
		m.Raw = []byte(raw.String)
	}
	return &m, nil
}

func (s *SQLite) GetMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	conds := []string{"m.chat_id = ?"}
	args := []any{q.ChatID}

	if q.Search != "" {
		conds = append(conds, "m.text LIKE ?")
		args = append(args, "%"+q.Search+"%")
	}
	if q.TopicID != nil {
		conds = append(conds, "m.topic_id = ?")
		args = append(args, *q.TopicID)
	}

	sqlq := `SELECT ` + sqMessageColumns + sqMessageJoins + ` WHERE ` + strings.Join(conds, " AND ")

	if q.BeforeDate != nil && q.BeforeID != nil {
		sqlq += ` AND (m.date < ? OR (m.date = ? AND m.id < ?))
			ORDER BY m.date DESC, m.id DESC LIMIT ?`
		before := fmtTime(*q.BeforeDate)
		args = append(args, before, before, *q.BeforeID, q.Limit)
	} else {
		sqlq += ` ORDER BY m.date DESC, m.id DESC LIMIT ? OFFSET ?`
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) FindMessageByDate(ctx context.Context, chatID int64, dateUTC time.Time) (*Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+sqMessageColumns+sqMessageJoins+`
		 WHERE m.chat_id = ? AND m.date >= ?
		 ORDER BY m.date ASC, m.id ASC LIMIT 1`, chatID, fmtTime(dateUTC)))
}

func (s *SQLite) GetPinned(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqMessageColumns+sqMessageJoins+`
		 WHERE m.chat_id = ? AND COALESCE(m.is_pinned, 0) = 1
		 ORDER BY m.date DESC, m.id DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) GetFolders(ctx context.Context) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.title, COUNT(c.id)
		 FROM folders f LEFT JOIN chats c ON c.folder_id = f.id
		 GROUP BY f.id, f.title ORDER BY f.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	folders := []Folder{}
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Title, &f.ChatCount); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (s *SQLite) GetTopics(ctx context.Context, chatID int64) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.topic_id, t.title, COUNT(m.id)
		 FROM forum_topics t
		 LEFT JOIN messages m ON m.chat_id = t.chat_id AND m.topic_id = t.topic_id
		 WHERE t.chat_id = ?
		 GROUP BY t.topic_id, t.title ORDER BY t.topic_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topics := []Topic{}
	for rows.Next() {
		var t Topic
		if err := rows.Scan(&t.ID, &t.Title, &t.MessageCount); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

func (s *SQLite) GetChatStats(ctx context.Context, chatID int64) (*ChatStats, error) {
	var stats ChatStats
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(m.date), MAX(m.date) FROM messages m WHERE m.chat_id = ?`,
		chatID).Scan(&stats.MessageCount, &first, &last)
	if err != nil {
		return nil, err
	}
	if stats.FirstMessageDate, err = timeFromNull(first); err != nil {
		return nil, err
	}
	if stats.LastMessageDate, err = timeFromNull(last); err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0)
		 FROM media WHERE chat_id = ? AND downloaded = 1`,
		chatID).Scan(&stats.MediaCount, &stats.MediaSizeBytes)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *SQLite) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	var username, first, last, phone sql.NullString
	var isBot int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_name, phone, COALESCE(is_bot, 0)
		 FROM users WHERE id = ?`, id).
		Scan(&u.ID, &username, &first, &last, &phone, &isBot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Username = strPtr(username)
	u.FirstName = strPtr(first)
	u.LastName = strPtr(last)
	u.Phone = strPtr(phone)
	u.IsBot = isBot != 0
	return &u, nil
}

func (s *SQLite) ExportMessages(ctx context.Context, chatID int64, fn func(*Message) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqMessageColumns+sqMessageJoins+`
		 WHERE m.chat_id = ? ORDER BY m.date ASC, m.id ASC`, chatID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLite) UpdateMessageText(ctx context.Context, chatID, messageID int64, newText string, editDate time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = ?, edit_date = ? WHERE chat_id = ? AND id = ?`,
		newText, fmtTime(editDate), chatID, messageID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLite) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// Statistics & metadata
// ----------------------------------------------------------------------------

func (s *SQLite) ComputeStatistics(ctx context.Context) (*Statistics, error) {
	var stats Statistics
	var sizeBytes int64
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM chats),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM media WHERE downloaded = 1),
		(SELECT COALESCE(SUM(file_size), 0) FROM media WHERE downloaded = 1)`).
		Scan(&stats.Chats, &stats.Messages, &stats.Users, &stats.MediaFiles, &sizeBytes)
	if err != nil {
		return nil, err
	}
	stats.TotalSizeMB = roundMB(sizeBytes)
	now := truncate(time.Now())
	stats.CalculatedAt = &now

	return &stats, cacheStatistics(ctx, s, &stats)
}

func (s *SQLite) GetCachedStatistics(ctx context.Context) (*Statistics, error) {
	return cachedStatistics(ctx, s)
}

func (s *SQLite) GetMetadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM viewer_metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *SQLite) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO viewer_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// ----------------------------------------------------------------------------
// Viewer accounts
// ----------------------------------------------------------------------------

const sqViewerColumns = `id, username, password_hash, salt, allowed_chat_ids,
	is_active, COALESCE(created_by, ''), created_at, updated_at`

func (s *SQLite) scanViewer(row rowScanner) (*ViewerAccount, error) {
	var v ViewerAccount
	var allowed sql.NullString
	var active int
	var created, updated string

	err := row.Scan(&v.ID, &v.Username, &v.PasswordHash, &v.Salt, &allowed,
		&active, &v.CreatedBy, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	v.IsActive = active != 0
	if v.AllowedChatIDs, err = decodeChatIDs(strPtr(allowed)); err != nil {
		return nil, err
	}
	if v.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if v.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLite) ListViewerAccounts(ctx context.Context) ([]ViewerAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqViewerColumns+` FROM viewer_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accts := []ViewerAccount{}
	for rows.Next() {
		v, err := s.scanViewer(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *v)
	}
	return accts, rows.Err()
}

func (s *SQLite) GetViewerAccount(ctx context.Context, id int) (*ViewerAccount, error) {
	return s.scanViewer(s.db.QueryRowContext(ctx,
		`SELECT `+sqViewerColumns+` FROM viewer_accounts WHERE id = ?`, id))
}

func (s *SQLite) GetViewerByUsername(ctx context.Context, username string) (*ViewerAccount, error) {
	return s.scanViewer(s.db.QueryRowContext(ctx,
		`SELECT `+sqViewerColumns+` FROM viewer_accounts WHERE lower(username) = lower(?)`, username))
}

func (s *SQLite) CreateViewerAccount(ctx context.Context, acct *ViewerAccount) error {
	now := fmtTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO viewer_accounts (username, password_hash, salt, allowed_chat_ids, is_active, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.Username, acct.PasswordHash, acct.Salt, encodeChatIDs(acct.AllowedChatIDs),
		boolToInt(acct.IsActive), acct.CreatedBy, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	acct.ID = int(id)
	acct.CreatedAt, _ = parseTime(now)
	acct.UpdatedAt = acct.CreatedAt
	return nil
}

func (s *SQLite) UpdateViewerAccount(ctx context.Context, acct *ViewerAccount) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE viewer_accounts
		 SET password_hash = ?, salt = ?, allowed_chat_ids = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		acct.PasswordHash, acct.Salt, encodeChatIDs(acct.AllowedChatIDs),
		boolToInt(acct.IsActive), fmtTime(time.Now()), acct.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *SQLite) DeleteViewerAccount(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM viewer_accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ----------------------------------------------------------------------------
// Audit log
// ----------------------------------------------------------------------------

func (s *SQLite) CreateAuditLog(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO viewer_audit_log (username, role, action, endpoint, chat_id, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Username, e.Role, e.Action, e.Endpoint, e.ChatID, e.IPAddress, e.UserAgent,
		fmtTime(time.Now()))
	return err
}

func (s *SQLite) GetAuditLogs(ctx context.Context, limit, offset int, username string) ([]AuditEntry, error) {
	q := `SELECT id, username, role, action, endpoint, chat_id, ip_address, user_agent, created_at
	      FROM viewer_audit_log`
	args := []any{}
	if username != "" {
		q += ` WHERE username = ?`
		args = append(args, username)
	}
	q += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var endpoint, ip, ua sql.NullString
		var chatID sql.NullInt64
		var created string
		if err := rows.Scan(&e.ID, &e.Username, &e.Role, &e.Action, &endpoint,
			&chatID, &ip, &ua, &created); err != nil {
			return nil, err
		}
		e.Endpoint = strPtr(endpoint)
		e.ChatID = i64Ptr(chatID)
		e.IPAddress = strPtr(ip)
		e.UserAgent = strPtr(ua)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ----------------------------------------------------------------------------
// Push subscriptions
// ----------------------------------------------------------------------------

func (s *SQLite) UpsertPushSubscription(ctx context.Context, sub PushSubscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (endpoint, p256dh, auth, username, allowed_chat_ids, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			username = excluded.username,
			allowed_chat_ids = excluded.allowed_chat_ids,
			user_agent = excluded.user_agent`,
		sub.Endpoint, sub.P256dh, sub.Auth, sub.Username,
		encodeChatIDs(sub.AllowedChatIDs), sub.UserAgent, fmtTime(time.Now()))
	return err
}

func (s *SQLite) DeletePushSubscription(ctx context.Context, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLite) ListPushSubscriptions(ctx context.Context) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint, p256dh, auth, username, allowed_chat_ids, user_agent, created_at
		 FROM push_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []PushSubscription{}
	for rows.Next() {
		var sub PushSubscription
		var username, allowed, ua sql.NullString
		var created string
		if err := rows.Scan(&sub.Endpoint, &sub.P256dh, &sub.Auth, &username,
			&allowed, &ua, &created); err != nil {
			return nil, err
		}
		sub.Username = strPtr(username)
		sub.UserAgent = strPtr(ua)
		if sub.AllowedChatIDs, err = decodeChatIDs(strPtr(allowed)); err != nil {
			return nil, err
		}
		if sub.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
