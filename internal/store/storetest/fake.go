// Package storetest provides an in-memory Store for handler and dispatcher
// tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatvault/chatvault/internal/store"
)

// Fake is an in-memory store.Store. Populate the exported fields directly,
// then hand it to the code under test. All methods are safe for concurrent
// use.
type Fake struct {
	mu sync.Mutex

	Chats    map[int64]store.Chat
	Messages map[int64][]store.Message // keyed by chat, ascending (date, id)
	Users    map[int64]store.User
	Folders  []store.Folder
	Topics   map[int64][]store.Topic

	Viewers    map[int]store.ViewerAccount
	nextViewer int

	Audit []store.AuditEntry
	Subs  map[string]store.PushSubscription
	Meta  map[string]string

	Stats *store.Statistics

	Events chan store.ChangeEvent

	// Err, when set, is returned by every method. For failure-path tests.
	Err error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Chats:      make(map[int64]store.Chat),
		Messages:   make(map[int64][]store.Message),
		Users:      make(map[int64]store.User),
		Topics:     make(map[int64][]store.Topic),
		Viewers:    make(map[int]store.ViewerAccount),
		Subs:       make(map[string]store.PushSubscription),
		Meta:       make(map[string]string),
		Events:     make(chan store.ChangeEvent, 64),
		nextViewer: 1,
	}
}

var (
	_ store.Store          = (*Fake)(nil)
	_ store.ChangeInjector = (*Fake)(nil)
)

func (f *Fake) GetChat(_ context.Context, id int64) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c, ok := f.Chats[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *Fake) matches(c store.Chat, opts store.ListChatsOpts) bool {
	if opts.Archived != nil && c.Archived != *opts.Archived {
		return false
	}
	if opts.FolderID != nil && (c.FolderID == nil || *c.FolderID != *opts.FolderID) {
		return false
	}
	if opts.ChatIDs != nil {
		found := false
		for _, id := range opts.ChatIDs {
			if id == c.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Search != "" {
		needle := strings.ToLower(opts.Search)
		hay := ""
		for _, s := range []*string{c.Title, c.Username, c.FirstName, c.LastName} {
			if s != nil {
				hay += strings.ToLower(*s) + " "
			}
		}
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

func (f *Fake) ListChats(_ context.Context, opts store.ListChatsOpts) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	var out []store.Chat
	for _, c := range f.Chats {
		if f.matches(c, opts) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageDate, out[j].LastMessageDate
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (f *Fake) CountChats(_ context.Context, opts store.ListChatsOpts) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	n := 0
	for _, c := range f.Chats {
		if f.matches(c, opts) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) CountArchivedChats(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	n := 0
	for _, c := range f.Chats {
		if c.Archived {
			n++
		}
	}
	return n, nil
}

func (f *Fake) GetMessages(_ context.Context, q store.MessageQuery) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}

	var out []store.Message
	msgs := f.Messages[q.ChatID]
	// Newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if q.Search != "" && !strings.Contains(strings.ToLower(m.Text), strings.ToLower(q.Search)) {
			continue
		}
		if q.TopicID != nil && (m.TopicID == nil || *m.TopicID != *q.TopicID) {
			continue
		}
		if q.BeforeDate != nil && q.BeforeID != nil {
			if !m.Date.Before(*q.BeforeDate) && !(m.Date.Equal(*q.BeforeDate) && m.ID < *q.BeforeID) {
				continue
			}
		}
		out = append(out, m)
	}
	if q.BeforeDate == nil && q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *Fake) FindMessageByDate(_ context.Context, chatID int64, dateUTC time.Time) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, m := range f.Messages[chatID] {
		if !m.Date.Before(dateUTC) {
			m := m
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) GetPinned(_ context.Context, chatID int64) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := []store.Message{}
	msgs := f.Messages[chatID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsPinned {
			out = append(out, msgs[i])
		}
	}
	return out, nil
}

func (f *Fake) GetFolders(_ context.Context) ([]store.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]store.Folder{}, f.Folders...), nil
}

func (f *Fake) GetTopics(_ context.Context, chatID int64) ([]store.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]store.Topic{}, f.Topics[chatID]...), nil
}

func (f *Fake) GetChatStats(_ context.Context, chatID int64) (*store.ChatStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	s := &store.ChatStats{MessageCount: int64(len(f.Messages[chatID]))}
	for _, m := range f.Messages[chatID] {
		m := m
		if s.FirstMessageDate == nil {
			s.FirstMessageDate = &m.Date
		}
		s.LastMessageDate = &m.Date
		if m.MediaSize != nil {
			s.MediaCount++
			s.MediaSizeBytes += *m.MediaSize
		}
	}
	return s, nil
}

func (f *Fake) GetUser(_ context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	u, ok := f.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (f *Fake) ExportMessages(_ context.Context, chatID int64, fn func(*store.Message) error) error {
	f.mu.Lock()
	msgs := append([]store.Message{}, f.Messages[chatID]...)
	err := f.Err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for i := range msgs {
		if err := fn(&msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) UpdateMessageText(_ context.Context, chatID, messageID int64, newText string, editDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for i, m := range f.Messages[chatID] {
		if m.ID == messageID {
			f.Messages[chatID][i].Text = newText
			f.Messages[chatID][i].EditDate = &editDate
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *Fake) DeleteMessage(_ context.Context, chatID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	msgs := f.Messages[chatID]
	for i, m := range msgs {
		if m.ID == messageID {
			f.Messages[chatID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *Fake) ComputeStatistics(_ context.Context) (*store.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	now := time.Now().UTC().Truncate(time.Second)
	s := &store.Statistics{
		Chats:        int64(len(f.Chats)),
		Users:        int64(len(f.Users)),
		CalculatedAt: &now,
	}
	for _, msgs := range f.Messages {
		s.Messages += int64(len(msgs))
	}
	f.Stats = s
	return s, nil
}

func (f *Fake) GetCachedStatistics(_ context.Context) (*store.Statistics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Stats == nil {
		return nil, store.ErrNotFound
	}
	return f.Stats, nil
}

func (f *Fake) GetMetadata(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.Meta[key], nil
}

func (f *Fake) SetMetadata(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Meta[key] = value
	return nil
}

func (f *Fake) ListViewerAccounts(_ context.Context) ([]store.ViewerAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := []store.ViewerAccount{}
	for _, v := range f.Viewers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) GetViewerAccount(_ context.Context, id int) (*store.ViewerAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	v, ok := f.Viewers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &v, nil
}

func (f *Fake) GetViewerByUsername(_ context.Context, username string) (*store.ViewerAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	for _, v := range f.Viewers {
		if strings.EqualFold(v.Username, username) {
			return &v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) CreateViewerAccount(_ context.Context, acct *store.ViewerAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	for _, v := range f.Viewers {
		if strings.EqualFold(v.Username, acct.Username) {
			return store.ErrConflict
		}
	}
	acct.ID = f.nextViewer
	f.nextViewer++
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	f.Viewers[acct.ID] = *acct
	return nil
}

func (f *Fake) UpdateViewerAccount(_ context.Context, acct *store.ViewerAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Viewers[acct.ID]; !ok {
		return store.ErrNotFound
	}
	acct.UpdatedAt = time.Now().UTC()
	f.Viewers[acct.ID] = *acct
	return nil
}

func (f *Fake) DeleteViewerAccount(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Viewers[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.Viewers, id)
	return nil
}

func (f *Fake) CreateAuditLog(_ context.Context, e store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	e.ID = int64(len(f.Audit) + 1)
	e.CreatedAt = time.Now().UTC()
	f.Audit = append(f.Audit, e)
	return nil
}

func (f *Fake) GetAuditLogs(_ context.Context, limit, offset int, username string) ([]store.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := []store.AuditEntry{}
	for i := len(f.Audit) - 1; i >= 0; i-- {
		if username != "" && f.Audit[i].Username != username {
			continue
		}
		out = append(out, f.Audit[i])
	}
	if offset > 0 {
		if offset >= len(out) {
			return []store.AuditEntry{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) UpsertPushSubscription(_ context.Context, sub store.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	f.Subs[sub.Endpoint] = sub
	return nil
}

func (f *Fake) DeletePushSubscription(_ context.Context, endpoint string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	_, ok := f.Subs[endpoint]
	delete(f.Subs, endpoint)
	return ok, nil
}

func (f *Fake) ListPushSubscriptions(_ context.Context) ([]store.PushSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := []store.PushSubscription{}
	for _, s := range f.Subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

func (f *Fake) ChangeEvents() <-chan store.ChangeEvent { return f.Events }

// PushChangeEvent accepts loopback ingest the way the SQLite backend does.
func (f *Fake) PushChangeEvent(ev store.ChangeEvent) bool {
	select {
	case f.Events <- ev:
		return true
	default:
		return false
	}
}

func (f *Fake) Close(context.Context) error { return nil }
