package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// notifyChannel is the Postgres NOTIFY channel the archiver writes change
// events to.
const notifyChannel = "chatvault_events"

// Postgres is the server-based backend. Change events arrive over a dedicated
// LISTEN connection and are re-published on the events channel.
type Postgres struct {
	pool   *pgxpool.Pool
	events chan ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenPostgres connects a pool, bootstraps the viewer-side tables and starts
// the notification listener.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	p := &Postgres{
		pool:   pool,
		events: make(chan ChangeEvent, 256),
		done:   make(chan struct{}),
	}
	if err := p.ensureViewerSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("viewer schema: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.listenLoop(listenCtx)

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return p, nil
}

// ensureViewerSchema creates the tables owned by the viewer. Archive tables
// belong to the archiver and are never created here.
func (p *Postgres) ensureViewerSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS viewer_accounts (
			id               SERIAL PRIMARY KEY,
			username         VARCHAR(255) NOT NULL UNIQUE,
			password_hash    VARCHAR(128) NOT NULL,
			salt             VARCHAR(64) NOT NULL,
			allowed_chat_ids TEXT,
			is_active        INTEGER NOT NULL DEFAULT 1,
			created_by       VARCHAR(255),
			created_at       TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS viewer_audit_log (
			id         BIGSERIAL PRIMARY KEY,
			username   VARCHAR(255) NOT NULL,
			role       VARCHAR(20) NOT NULL,
			action     VARCHAR(100) NOT NULL,
			endpoint   VARCHAR(255),
			chat_id    BIGINT,
			ip_address VARCHAR(45),
			user_agent TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_username ON viewer_audit_log (username)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON viewer_audit_log (created_at)`,
		`CREATE TABLE IF NOT EXISTS push_subscriptions (
			endpoint         TEXT PRIMARY KEY,
			p256dh           TEXT NOT NULL,
			auth             TEXT NOT NULL,
			username         VARCHAR(255),
			allowed_chat_ids TEXT,
			user_agent       TEXT,
			created_at       TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS viewer_metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// listenLoop holds a dedicated connection on LISTEN and re-publishes every
// payload as a ChangeEvent. Reconnects with capped exponential backoff.
func (p *Postgres) listenLoop(ctx context.Context) {
	defer close(p.done)
	defer close(p.events)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("change-event listener disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	log.Info().Str("channel", notifyChannel).Msg("listening for archive change events")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var ev ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("payload", n.Payload).Msg("malformed change-event payload")
			continue
		}
		select {
		case p.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ChangeEvents returns the single-consumer change stream.
func (p *Postgres) ChangeEvents() <-chan ChangeEvent { return p.events }

// Close stops the listener and releases the pool.
func (p *Postgres) Close(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	p.pool.Close()
	return nil
}

// ----------------------------------------------------------------------------
// Chats
// ----------------------------------------------------------------------------

const chatColumns = `c.id, c.type, c.title, c.username, c.first_name, c.last_name,
	c.avatar_photo_id, COALESCE(c.is_archived, false), c.folder_id,
	c.last_message_date, COALESCE(c.last_synced_message_id, 0)`

func scanChat(row pgx.Row) (*Chat, error) {
	var c Chat
	err := row.Scan(&c.ID, &c.Type, &c.Title, &c.Username, &c.FirstName, &c.LastName,
		&c.AvatarPhotoID, &c.Archived, &c.FolderID, &c.LastMessageDate, &c.LastSyncedMessageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (p *Postgres) GetChat(ctx context.Context, id int64) (*Chat, error) {
	return scanChat(p.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats c WHERE c.id = $1`, id))
}

// chatFilter builds the WHERE clause shared by ListChats and CountChats.
func chatFilter(opts ListChatsOpts) (string, []any) {
	var conds []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Search != "" {
		ph := next("%" + opts.Search + "%")
		conds = append(conds, fmt.Sprintf(
			"(c.title ILIKE %[1]s OR c.username ILIKE %[1]s OR c.first_name ILIKE %[1]s OR c.last_name ILIKE %[1]s)", ph))
	}
	if opts.Archived != nil {
		conds = append(conds, "COALESCE(c.is_archived, false) = "+next(*opts.Archived))
	}
	if opts.FolderID != nil {
		conds = append(conds, "c.folder_id = "+next(*opts.FolderID))
	}
	if opts.ChatIDs != nil {
		conds = append(conds, "c.id = ANY("+next(opts.ChatIDs)+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *Postgres) ListChats(ctx context.Context, opts ListChatsOpts) ([]Chat, error) {
	where, args := chatFilter(opts)
	q := `SELECT ` + chatColumns + ` FROM chats c` + where +
		` ORDER BY c.last_message_date DESC NULLS LAST, c.id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, opts.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func (p *Postgres) CountChats(ctx context.Context, opts ListChatsOpts) (int, error) {
	where, args := chatFilter(opts)
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chats c`+where, args...).Scan(&n)
	return n, err
}

func (p *Postgres) CountArchivedChats(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chats c WHERE COALESCE(c.is_archived, false)`).Scan(&n)
	return n, err
}

// ----------------------------------------------------------------------------
// Messages
// ----------------------------------------------------------------------------

const messageColumns = `m.id, m.chat_id, m.sender_id, u.first_name, u.last_name, u.username,
	m.date, COALESCE(m.text, ''), m.reply_to_msg_id, m.forward_from_id, m.edit_date,
	m.media_type, m.media_id, m.media_path, md.mime_type, md.file_size,
	m.topic_id, COALESCE(m.is_pinned, false), COALESCE(m.is_outgoing, false), m.raw_data`

const messageJoins = ` FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
	LEFT JOIN media md ON md.id = m.media_id`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var raw []byte
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.SenderLastName,
		&m.SenderUsername, &m.Date, &m.Text, &m.ReplyToMsgID, &m.ForwardFromID,
		&m.EditDate, &m.MediaType, &m.MediaID, &m.MediaPath, &m.MediaMime, &m.MediaSize,
		&m.TopicID, &m.IsPinned, &m.IsOutgoing, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Raw = raw
	return &m, nil
}

func (p *Postgres) GetMessages(ctx context.Context, q MessageQuery) ([]Message, error) {
	conds := []string{"m.chat_id = $1"}
	args := []any{q.ChatID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Search != "" {
		conds = append(conds, "m.text ILIKE "+next("%"+q.Search+"%"))
	}
	if q.TopicID != nil {
		conds = append(conds, "m.topic_id = "+next(*q.TopicID))
	}

	sql := `SELECT ` + messageColumns + messageJoins + ` WHERE ` + strings.Join(conds, " AND ")

	// Cursor pagination when both parts are present; offset otherwise.
	if q.BeforeDate != nil && q.BeforeID != nil {
		sql += fmt.Sprintf(" AND (m.date, m.id) < (%s, %s)",
			next(truncate(*q.BeforeDate)), next(*q.BeforeID))
		sql += " ORDER BY m.date DESC, m.id DESC LIMIT " + next(q.Limit)
	} else {
		sql += " ORDER BY m.date DESC, m.id DESC LIMIT " + next(q.Limit) + " OFFSET " + next(q.Offset)
	}

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) FindMessageByDate(ctx context.Context, chatID int64, dateUTC time.Time) (*Message, error) {
	return scanMessage(p.pool.QueryRow(ctx,
		`SELECT `+messageColumns+messageJoins+`
		 WHERE m.chat_id = $1 AND m.date >= $2
		 ORDER BY m.date ASC, m.id ASC LIMIT 1`, chatID, truncate(dateUTC)))
}

func (p *Postgres) GetPinned(ctx context.Context, chatID int64) ([]Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+messageColumns+messageJoins+`
		 WHERE m.chat_id = $1 AND m.is_pinned
		 ORDER BY m.date DESC, m.id DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) GetFolders(ctx context.Context) ([]Folder, error) {
	rows, err := p.pool.Query(ctx,
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

func (p *Postgres) GetTopics(ctx context.Context, chatID int64) ([]Topic, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT t.topic_id, t.title, COUNT(m.id)
		 FROM forum_topics t
		 LEFT JOIN messages m ON m.chat_id = t.chat_id AND m.topic_id = t.topic_id
		 WHERE t.chat_id = $1
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

func (p *Postgres) GetChatStats(ctx context.Context, chatID int64) (*ChatStats, error) {
	var s ChatStats
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(m.date), MAX(m.date) FROM messages m WHERE m.chat_id = $1`,
		chatID).Scan(&s.MessageCount, &s.FirstMessageDate, &s.LastMessageDate)
	if err != nil {
		return nil, err
	}
	err = p.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM media WHERE chat_id = $1 AND downloaded`,
		chatID).Scan(&s.MediaCount, &s.MediaSizeBytes)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := p.pool.QueryRow(ctx,
		`SELECT id, username, first_name, last_name, phone, COALESCE(is_bot, false)
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Phone, &u.IsBot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ExportMessages streams rows oldest-first. pgx rows are already cursored, so
// memory stays bounded by one row.
func (p *Postgres) ExportMessages(ctx context.Context, chatID int64, fn func(*Message) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT `+messageColumns+messageJoins+`
		 WHERE m.chat_id = $1 ORDER BY m.date ASC, m.id ASC`, chatID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *Postgres) UpdateMessageText(ctx context.Context, chatID, messageID int64, newText string, editDate time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE messages SET text = $1, edit_date = $2 WHERE chat_id = $3 AND id = $4`,
		newText, truncate(editDate), chatID, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM messages WHERE chat_id = $1 AND id = $2`, chatID, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// Statistics & metadata
// ----------------------------------------------------------------------------

func (p *Postgres) ComputeStatistics(ctx context.Context) (*Statistics, error) {
	var s Statistics
	var sizeBytes int64
	err := p.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM chats),
		(SELECT COUNT(*) FROM messages),
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM media WHERE downloaded),
		(SELECT COALESCE(SUM(file_size), 0) FROM media WHERE downloaded)`).
		Scan(&s.Chats, &s.Messages, &s.Users, &s.MediaFiles, &sizeBytes)
	if err != nil {
		return nil, err
	}
	s.TotalSizeMB = roundMB(sizeBytes)
	now := truncate(time.Now())
	s.CalculatedAt = &now

	return &s, cacheStatistics(ctx, p, &s)
}

func (p *Postgres) GetCachedStatistics(ctx context.Context) (*Statistics, error) {
	return cachedStatistics(ctx, p)
}

func (p *Postgres) GetMetadata(ctx context.Context, key string) (string, error) {
	var v string
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM viewer_metadata WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (p *Postgres) SetMetadata(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO viewer_metadata (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

// ----------------------------------------------------------------------------
// Viewer accounts
// ----------------------------------------------------------------------------

const viewerColumns = `id, username, password_hash, salt, allowed_chat_ids,
	is_active, COALESCE(created_by, ''), created_at, updated_at`

func scanViewer(row pgx.Row) (*ViewerAccount, error) {
	var v ViewerAccount
	var allowed *string
	var active int
	err := row.Scan(&v.ID, &v.Username, &v.PasswordHash, &v.Salt, &allowed,
		&active, &v.CreatedBy, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.IsActive = active != 0
	v.AllowedChatIDs, err = decodeChatIDs(allowed)
	return &v, err
}

func (p *Postgres) ListViewerAccounts(ctx context.Context) ([]ViewerAccount, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+viewerColumns+` FROM viewer_accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accts := []ViewerAccount{}
	for rows.Next() {
		v, err := scanViewer(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, *v)
	}
	return accts, rows.Err()
}

func (p *Postgres) GetViewerAccount(ctx context.Context, id int) (*ViewerAccount, error) {
	return scanViewer(p.pool.QueryRow(ctx,
		`SELECT `+viewerColumns+` FROM viewer_accounts WHERE id = $1`, id))
}

func (p *Postgres) GetViewerByUsername(ctx context.Context, username string) (*ViewerAccount, error) {
	return scanViewer(p.pool.QueryRow(ctx,
		`SELECT `+viewerColumns+` FROM viewer_accounts WHERE lower(username) = lower($1)`, username))
}

func (p *Postgres) CreateViewerAccount(ctx context.Context, acct *ViewerAccount) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO viewer_accounts (username, password_hash, salt, allowed_chat_ids, is_active, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		acct.Username, acct.PasswordHash, acct.Salt, encodeChatIDs(acct.AllowedChatIDs),
		boolToInt(acct.IsActive), acct.CreatedBy).
		Scan(&acct.ID, &acct.CreatedAt, &acct.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) UpdateViewerAccount(ctx context.Context, acct *ViewerAccount) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE viewer_accounts
		 SET password_hash = $1, salt = $2, allowed_chat_ids = $3, is_active = $4, updated_at = NOW()
		 WHERE id = $5`,
		acct.PasswordHash, acct.Salt, encodeChatIDs(acct.AllowedChatIDs),
		boolToInt(acct.IsActive), acct.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteViewerAccount(ctx context.Context, id int) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM viewer_accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------------------------------------------
// Audit log
// ----------------------------------------------------------------------------

func (p *Postgres) CreateAuditLog(ctx context.Context, e AuditEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO viewer_audit_log (username, role, action, endpoint, chat_id, ip_address, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Username, e.Role, e.Action, e.Endpoint, e.ChatID, e.IPAddress, e.UserAgent)
	return err
}

func (p *Postgres) GetAuditLogs(ctx context.Context, limit, offset int, username string) ([]AuditEntry, error) {
	q := `SELECT id, username, role, action, endpoint, chat_id, ip_address, user_agent, created_at
	      FROM viewer_audit_log`
	args := []any{}
	if username != "" {
		q += ` WHERE username = $1`
		args = append(args, username)
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))
	args = append(args, offset)
	q += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Role, &e.Action, &e.Endpoint,
			&e.ChatID, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ----------------------------------------------------------------------------
// Push subscriptions
// ----------------------------------------------------------------------------

func (p *Postgres) UpsertPushSubscription(ctx context.Context, sub PushSubscription) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (endpoint, p256dh, auth, username, allowed_chat_ids, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			username = EXCLUDED.username,
			allowed_chat_ids = EXCLUDED.allowed_chat_ids,
			user_agent = EXCLUDED.user_agent`,
		sub.Endpoint, sub.P256dh, sub.Auth, sub.Username,
		encodeChatIDs(sub.AllowedChatIDs), sub.UserAgent)
	return err
}

func (p *Postgres) DeletePushSubscription(ctx context.Context, endpoint string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) ListPushSubscriptions(ctx context.Context) ([]PushSubscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT endpoint, p256dh, auth, username, allowed_chat_ids, user_agent, created_at
		 FROM push_subscriptions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []PushSubscription{}
	for rows.Next() {
		var s PushSubscription
		var allowed *string
		if err := rows.Scan(&s.Endpoint, &s.P256dh, &s.Auth, &s.Username,
			&allowed, &s.UserAgent, &s.CreatedAt); err != nil {
			return nil, err
		}
		if s.AllowedChatIDs, err = decodeChatIDs(allowed); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
