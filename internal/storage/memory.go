package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

type memoryState struct {
	channels map[string]*models.Channel
	users    map[string]*models.ChannelUser
	sessions map[string]*models.ChannelSession
	messages map[string]*models.StoredMessage
}

func newMemoryState() *memoryState {
	return &memoryState{
		channels: make(map[string]*models.Channel),
		users:    make(map[string]*models.ChannelUser),
		sessions: make(map[string]*models.ChannelSession),
		messages: make(map[string]*models.StoredMessage),
	}
}

func (st *memoryState) clone() *memoryState {
	out := newMemoryState()
	for k, v := range st.channels {
		out.channels[k] = cloneChannel(v)
	}
	for k, v := range st.users {
		u := *v
		out.users[k] = &u
	}
	for k, v := range st.sessions {
		out.sessions[k] = cloneSession(v)
	}
	for k, v := range st.messages {
		m := *v
		out.messages[k] = &m
	}
	return out
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// WithTx works on a snapshot that replaces the live state only on success;
// other callers block until the transaction finishes.
type MemoryStore struct {
	mu    *sync.RWMutex
	state *memoryState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.RWMutex{}, state: newMemoryState()}
}

func (s *MemoryStore) Channels() ChannelStore { return &memoryChannelStore{s} }
func (s *MemoryStore) Users() UserStore       { return &memoryUserStore{s} }
func (s *MemoryStore) Sessions() SessionStore { return &memorySessionStore{s} }
func (s *MemoryStore) Messages() MessageStore { return &memoryMessageStore{s} }
func (s *MemoryStore) Close() error           { return nil }

// WithTx runs fn against a snapshot and publishes it when fn succeeds.
// fn must only use the Store it is given.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memoryTx{MemoryStore: MemoryStore{mu: &sync.RWMutex{}, state: snapshot}}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

// memoryTx joins nested WithTx calls to the outer snapshot.
type memoryTx struct {
	MemoryStore
}

func (t *memoryTx) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

// --- channels ---

type memoryChannelStore struct{ s *MemoryStore }

func (r *memoryChannelStore) Create(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel ID is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.channels[ch.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range r.s.state.channels {
		if existing.Type == ch.Type {
			return ErrAlreadyExists
		}
	}
	r.s.state.channels[ch.ID] = cloneChannel(ch)
	return nil
}

func (r *memoryChannelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ch, ok := r.s.state.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (r *memoryChannelStore) GetByType(ctx context.Context, channelType models.ChannelType) (*models.Channel, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, ch := range r.s.state.channels {
		if ch.Type == channelType {
			return cloneChannel(ch), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryChannelStore) List(ctx context.Context) ([]*models.Channel, error) {
	r.s.mu.RLock()
	out := make([]*models.Channel, 0, len(r.s.state.channels))
	for _, ch := range r.s.state.channels {
		out = append(out, cloneChannel(ch))
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryChannelStore) Update(ctx context.Context, ch *models.Channel) error {
	if ch == nil {
		return ErrNotFound
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.state.channels[ch.ID]
	if !ok {
		return ErrNotFound
	}
	updated := cloneChannel(ch)
	updated.Type = existing.Type
	updated.CreatedAt = existing.CreatedAt
	r.s.state.channels[ch.ID] = updated
	return nil
}

func (r *memoryChannelStore) UpdateStatus(ctx context.Context, id string, status models.ChannelStatus, botUsername string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ch, ok := r.s.state.channels[id]
	if !ok {
		return ErrNotFound
	}
	ch.Status = status
	if botUsername != "" {
		ch.BotUsername = botUsername
	}
	ch.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryChannelStore) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.channels[id]; !ok {
		return ErrNotFound
	}
	// Mirror the foreign keys of the SQL schema.
	for _, u := range r.s.state.users {
		if u.ChannelID == id {
			return errForeignKey("channel_users")
		}
	}
	for _, sess := range r.s.state.sessions {
		if sess.ChannelID == id {
			return errForeignKey("channel_sessions")
		}
	}
	for _, m := range r.s.state.messages {
		if m.ChannelID == id {
			return errForeignKey("channel_messages")
		}
	}
	delete(r.s.state.channels, id)
	return nil
}

type foreignKeyError string

func (e foreignKeyError) Error() string {
	return "foreign key constraint failed: rows in " + string(e) + " reference the channel"
}

func errForeignKey(table string) error { return foreignKeyError(table) }

func cloneChannel(ch *models.Channel) *models.Channel {
	out := *ch
	if ch.Config != nil {
		out.Config = append(json.RawMessage(nil), ch.Config...)
	}
	if ch.Security.AllowedUsers != nil {
		out.Security.AllowedUsers = append([]string(nil), ch.Security.AllowedUsers...)
	}
	return &out
}

// --- users ---

type memoryUserStore struct{ s *MemoryStore }

func (r *memoryUserStore) Create(ctx context.Context, u *models.ChannelUser) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.users[u.ID]; ok {
		return ErrAlreadyExists
	}
	for _, existing := range r.s.state.users {
		if existing.ChannelID == u.ChannelID && existing.ChannelUserID == u.ChannelUserID {
			return ErrAlreadyExists
		}
	}
	cp := *u
	r.s.state.users[u.ID] = &cp
	return nil
}

func (r *memoryUserStore) Get(ctx context.Context, id string) (*models.ChannelUser, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserStore) GetByChannelUserID(ctx context.Context, channelID, channelUserID string) (*models.ChannelUser, error) {
	return r.findOne(func(u *models.ChannelUser) bool {
		return u.ChannelID == channelID && u.ChannelUserID == channelUserID
	})
}

func (r *memoryUserStore) FindByPairingCode(ctx context.Context, channelID, code string) (*models.ChannelUser, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return r.findOne(func(u *models.ChannelUser) bool {
		return u.ChannelID == channelID && u.PairingCode == code
	})
}

// findOne returns the newest user matching pred.
func (r *memoryUserStore) findOne(pred func(*models.ChannelUser) bool) (*models.ChannelUser, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var found *models.ChannelUser
	for _, u := range r.s.state.users {
		if pred(u) && (found == nil || u.CreatedAt.After(found.CreatedAt)) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memoryUserStore) ListByChannel(ctx context.Context, channelID string) ([]*models.ChannelUser, error) {
	r.s.mu.RLock()
	var out []*models.ChannelUser
	for _, u := range r.s.state.users {
		if u.ChannelID == channelID {
			cp := *u
			out = append(out, &cp)
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryUserStore) Update(ctx context.Context, u *models.ChannelUser) error {
	if u == nil {
		return ErrNotFound
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.state.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *u
	cp.ChannelID = existing.ChannelID
	cp.ChannelUserID = existing.ChannelUserID
	cp.CreatedAt = existing.CreatedAt
	r.s.state.users[u.ID] = &cp
	return nil
}

func (r *memoryUserStore) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.users[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.state.users, id)
	return nil
}

func (r *memoryUserStore) DeleteByChannel(ctx context.Context, channelID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, u := range r.s.state.users {
		if u.ChannelID == channelID {
			delete(r.s.state.users, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryUserStore) DeleteExpiredPlaceholders(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, u := range r.s.state.users {
		if strings.HasPrefix(u.ChannelUserID, models.PairingPlaceholderPrefix) && u.PairingExpired(now) {
			delete(r.s.state.users, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryUserStore) ClearExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, u := range r.s.state.users {
		if u.PairingCode != "" && u.PairingExpired(now) {
			u.ClearPairing()
			n++
		}
	}
	return n, nil
}

// --- sessions ---

type memorySessionStore struct{ s *MemoryStore }

func (r *memorySessionStore) Create(ctx context.Context, sess *models.ChannelSession) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	r.s.state.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (r *memorySessionStore) Get(ctx context.Context, id string) (*models.ChannelSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sess, ok := r.s.state.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (r *memorySessionStore) Update(ctx context.Context, sess *models.ChannelSession) error {
	if sess == nil {
		return ErrNotFound
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.state.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneSession(sess)
	cp.ChannelID = existing.ChannelID
	cp.ChatID = existing.ChatID
	cp.CreatedAt = existing.CreatedAt
	r.s.state.sessions[sess.ID] = cp
	return nil
}

func (r *memorySessionStore) FindOpen(ctx context.Context, channelID, chatID string) (*models.ChannelSession, error) {
	return r.newest(func(sess *models.ChannelSession) bool {
		return sess.ChannelID == channelID && sess.ChatID == chatID
	})
}

func (r *memorySessionStore) FindByTask(ctx context.Context, taskID string) (*models.ChannelSession, error) {
	if taskID == "" {
		return nil, ErrNotFound
	}
	return r.newest(func(sess *models.ChannelSession) bool { return sess.TaskID == taskID })
}

// newest returns the most recently created non-ended session matching pred.
func (r *memorySessionStore) newest(pred func(*models.ChannelSession) bool) (*models.ChannelSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var found *models.ChannelSession
	for _, sess := range r.s.state.sessions {
		if sess.State.IsTerminal() || !pred(sess) {
			continue
		}
		if found == nil || sess.CreatedAt.After(found.CreatedAt) {
			found = sess
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return cloneSession(found), nil
}

func (r *memorySessionStore) ListOpen(ctx context.Context) ([]*models.ChannelSession, error) {
	r.s.mu.RLock()
	var out []*models.ChannelSession
	for _, sess := range r.s.state.sessions {
		if !sess.State.IsTerminal() {
			out = append(out, cloneSession(sess))
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (r *memorySessionStore) DeleteByChannel(ctx context.Context, channelID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.state.sessions {
		if sess.ChannelID == channelID {
			delete(r.s.state.sessions, id)
			n++
		}
	}
	return n, nil
}

func cloneSession(sess *models.ChannelSession) *models.ChannelSession {
	out := *sess
	if sess.Context != nil {
		out.Context = make(map[string]string, len(sess.Context))
		for k, v := range sess.Context {
			out.Context[k] = v
		}
	}
	if sess.EndedAt != nil {
		t := *sess.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// --- messages ---

type memoryMessageStore struct{ s *MemoryStore }

func (r *memoryMessageStore) Create(ctx context.Context, m *models.StoredMessage) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.messages[m.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *m
	r.s.state.messages[m.ID] = &cp
	return nil
}

func (r *memoryMessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	r.s.mu.RLock()
	var out []*models.StoredMessage
	for _, m := range r.s.state.messages {
		if m.SessionID == sessionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryMessageStore) DeleteByChannel(ctx context.Context, channelID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, m := range r.s.state.messages {
		if m.ChannelID == channelID {
			delete(r.s.state.messages, id)
			n++
		}
	}
	return n, nil
}
