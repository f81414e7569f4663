package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// SQLStore implements Store over database/sql for sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect dialect
	inTx    bool
}

// Open creates a store for cfg.Driver. The memory driver ignores the DSN.
func Open(ctx context.Context, cfg Config) (Store, error) {
	cfg = cfg.withDefaults()
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQL opens a SQL database, applies pool settings, pings it and creates
// the schema when missing.
func OpenSQL(ctx context.Context, cfg Config) (*SQLStore, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	d := sqliteDialect
	if cfg.Driver == DriverPostgres {
		d = postgresDialect
	}

	db, err := sql.Open(d.sqlDriver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := newSQLStore(db, d)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database. driver selects the placeholder dialect.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	d := sqliteDialect
	if driver == DriverPostgres {
		d = postgresDialect
	}
	return newSQLStore(db, d)
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, q: db, dialect: d}
}

// Migrate creates tables and indexes that do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Channels() ChannelStore { return &sqlChannelStore{s} }
func (s *SQLStore) Users() UserStore       { return &sqlUserStore{s} }
func (s *SQLStore) Sessions() SessionStore { return &sqlSessionStore{s} }
func (s *SQLStore) Messages() MessageStore { return &sqlMessageStore{s} }

// WithTx runs fn in a database transaction.
func (s *SQLStore) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&SQLStore{db: s.db, q: tx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database unless called inside a transaction.
func (s *SQLStore) Close() error {
	if s.inTx || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// isUniqueViolation recognizes duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nullTime(*t)
}

// --- channels ---

type sqlChannelStore struct{ s *SQLStore }

const channelColumns = `id, type, name, enabled, config, security, status, bot_username, created_at, updated_at`

func (r *sqlChannelStore) Create(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel ID is required")
	}
	security, err := json.Marshal(ch.Security)
	if err != nil {
		return fmt.Errorf("marshal security config: %w", err)
	}
	_, err = r.s.exec(ctx,
		`INSERT INTO channels (`+channelColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ch.ID,
		string(ch.Type),
		ch.Name,
		ch.Enabled,
		rawConfig(ch.Config),
		string(security),
		string(ch.Status),
		ch.BotUsername,
		ch.CreatedAt.UTC(),
		ch.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (r *sqlChannelStore) Get(ctx context.Context, id string) (*models.Channel, error) {
	row := r.s.queryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

func (r *sqlChannelStore) GetByType(ctx context.Context, channelType models.ChannelType) (*models.Channel, error) {
	row := r.s.queryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE type = ?`, string(channelType))
	return scanChannel(row)
}

func (r *sqlChannelStore) List(ctx context.Context) ([]*models.Channel, error) {
	rows, err := r.s.query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *sqlChannelStore) Update(ctx context.Context, ch *models.Channel) error {
	if ch == nil || ch.ID == "" {
		return fmt.Errorf("channel ID is required")
	}
	security, err := json.Marshal(ch.Security)
	if err != nil {
		return fmt.Errorf("marshal security config: %w", err)
	}
	res, err := r.s.exec(ctx,
		`UPDATE channels SET name = ?, enabled = ?, config = ?, security = ?, status = ?, bot_username = ?, updated_at = ? WHERE id = ?`,
		ch.Name,
		ch.Enabled,
		rawConfig(ch.Config),
		string(security),
		string(ch.Status),
		ch.BotUsername,
		ch.UpdatedAt.UTC(),
		ch.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlChannelStore) UpdateStatus(ctx context.Context, id string, status models.ChannelStatus, botUsername string) error {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if botUsername == "" {
		res, err = r.s.exec(ctx, `UPDATE channels SET status = ?, updated_at = ? WHERE id = ?`, string(status), now, id)
	} else {
		res, err = r.s.exec(ctx, `UPDATE channels SET status = ?, bot_username = ?, updated_at = ? WHERE id = ?`, string(status), botUsername, now, id)
	}
	if err != nil {
		return fmt.Errorf("update channel status: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlChannelStore) Delete(ctx context.Context, id string) error {
	res, err := r.s.exec(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return requireAffected(res)
}

func rawConfig(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func scanChannel(row scanner) (*models.Channel, error) {
	var (
		ch       models.Channel
		chType   string
		status   string
		config   string
		security string
	)
	err := row.Scan(&ch.ID, &chType, &ch.Name, &ch.Enabled, &config, &security, &status, &ch.BotUsername, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel: %w", err)
	}
	ch.Type = models.ChannelType(chType)
	ch.Status = models.ChannelStatus(status)
	ch.Config = json.RawMessage(config)
	if security != "" {
		if err := json.Unmarshal([]byte(security), &ch.Security); err != nil {
			return nil, fmt.Errorf("unmarshal security config: %w", err)
		}
	}
	return &ch, nil
}

// --- users ---

type sqlUserStore struct{ s *SQLStore }

const userColumns = `id, channel_id, channel_user_id, display_name, allowed, pairing_code, pairing_expires_at, pairing_attempts, created_at, last_seen_at`

func (r *sqlUserStore) Create(ctx context.Context, u *models.ChannelUser) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	_, err := r.s.exec(ctx,
		`INSERT INTO channel_users (`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		u.ID,
		u.ChannelID,
		u.ChannelUserID,
		u.DisplayName,
		u.Allowed,
		u.PairingCode,
		nullTime(u.PairingExpiresAt),
		u.PairingAttempts,
		u.CreatedAt.UTC(),
		u.LastSeenAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert channel user: %w", err)
	}
	return nil
}

func (r *sqlUserStore) Get(ctx context.Context, id string) (*models.ChannelUser, error) {
	return scanUser(r.s.queryRow(ctx, `SELECT `+userColumns+` FROM channel_users WHERE id = ?`, id))
}

func (r *sqlUserStore) GetByChannelUserID(ctx context.Context, channelID, channelUserID string) (*models.ChannelUser, error) {
	return scanUser(r.s.queryRow(ctx,
		`SELECT `+userColumns+` FROM channel_users WHERE channel_id = ? AND channel_user_id = ?`,
		channelID, channelUserID))
}

func (r *sqlUserStore) FindByPairingCode(ctx context.Context, channelID, code string) (*models.ChannelUser, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return scanUser(r.s.queryRow(ctx,
		`SELECT `+userColumns+` FROM channel_users WHERE channel_id = ? AND pairing_code = ? ORDER BY created_at DESC LIMIT 1`,
		channelID, code))
}

func (r *sqlUserStore) ListByChannel(ctx context.Context, channelID string) ([]*models.ChannelUser, error) {
	rows, err := r.s.query(ctx,
		`SELECT `+userColumns+` FROM channel_users WHERE channel_id = ? ORDER BY created_at, id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel users: %w", err)
	}
	defer rows.Close()

	var out []*models.ChannelUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *sqlUserStore) Update(ctx context.Context, u *models.ChannelUser) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	res, err := r.s.exec(ctx,
		`UPDATE channel_users SET display_name = ?, allowed = ?, pairing_code = ?, pairing_expires_at = ?, pairing_attempts = ?, last_seen_at = ? WHERE id = ?`,
		u.DisplayName,
		u.Allowed,
		u.PairingCode,
		nullTime(u.PairingExpiresAt),
		u.PairingAttempts,
		u.LastSeenAt.UTC(),
		u.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel user: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlUserStore) Delete(ctx context.Context, id string) error {
	res, err := r.s.exec(ctx, `DELETE FROM channel_users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete channel user: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlUserStore) DeleteByChannel(ctx context.Context, channelID string) (int64, error) {
	res, err := r.s.exec(ctx, `DELETE FROM channel_users WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, fmt.Errorf("delete channel users: %w", err)
	}
	return res.RowsAffected()
}

func (r *sqlUserStore) DeleteExpiredPlaceholders(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.s.exec(ctx,
		`DELETE FROM channel_users WHERE channel_user_id LIKE ? AND pairing_expires_at IS NOT NULL AND pairing_expires_at <= ?`,
		models.PairingPlaceholderPrefix+"%", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired placeholders: %w", err)
	}
	return res.RowsAffected()
}

func (r *sqlUserStore) ClearExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.s.exec(ctx,
		`UPDATE channel_users SET pairing_code = '', pairing_expires_at = NULL WHERE pairing_code <> '' AND pairing_expires_at IS NOT NULL AND pairing_expires_at <= ?`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("clear expired pairing codes: %w", err)
	}
	return res.RowsAffected()
}

func scanUser(row scanner) (*models.ChannelUser, error) {
	var (
		u       models.ChannelUser
		expires sql.NullTime
	)
	err := row.Scan(&u.ID, &u.ChannelID, &u.ChannelUserID, &u.DisplayName, &u.Allowed,
		&u.PairingCode, &expires, &u.PairingAttempts, &u.CreatedAt, &u.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan channel user: %w", err)
	}
	if expires.Valid {
		u.PairingExpiresAt = expires.Time
	}
	return &u, nil
}

// --- sessions ---

type sqlSessionStore struct{ s *SQLStore }

const sessionColumns = `id, channel_id, channel_type, chat_id, user_id, task_id, workspace_id, state, context, end_reason, created_at, last_activity_at, ended_at`

func (r *sqlSessionStore) Create(ctx context.Context, sess *models.ChannelSession) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	sessCtx, err := marshalContext(sess.Context)
	if err != nil {
		return err
	}
	_, err = r.s.exec(ctx,
		`INSERT INTO channel_sessions (`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID,
		sess.ChannelID,
		string(sess.ChannelType),
		sess.ChatID,
		sess.UserID,
		sess.TaskID,
		sess.WorkspaceID,
		string(sess.State),
		sessCtx,
		sess.EndReason,
		sess.CreatedAt.UTC(),
		sess.LastActivityAt.UTC(),
		nullTimePtr(sess.EndedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sqlSessionStore) Get(ctx context.Context, id string) (*models.ChannelSession, error) {
	return scanSession(r.s.queryRow(ctx, `SELECT `+sessionColumns+` FROM channel_sessions WHERE id = ?`, id))
}

func (r *sqlSessionStore) Update(ctx context.Context, sess *models.ChannelSession) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	sessCtx, err := marshalContext(sess.Context)
	if err != nil {
		return err
	}
	res, err := r.s.exec(ctx,
		`UPDATE channel_sessions SET user_id = ?, task_id = ?, workspace_id = ?, state = ?, context = ?, end_reason = ?, last_activity_at = ?, ended_at = ? WHERE id = ?`,
		sess.UserID,
		sess.TaskID,
		sess.WorkspaceID,
		string(sess.State),
		sessCtx,
		sess.EndReason,
		sess.LastActivityAt.UTC(),
		nullTimePtr(sess.EndedAt),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireAffected(res)
}

func (r *sqlSessionStore) FindOpen(ctx context.Context, channelID, chatID string) (*models.ChannelSession, error) {
	return scanSession(r.s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions WHERE channel_id = ? AND chat_id = ? AND state <> ? ORDER BY created_at DESC LIMIT 1`,
		channelID, chatID, string(models.SessionEnded)))
}

func (r *sqlSessionStore) FindByTask(ctx context.Context, taskID string) (*models.ChannelSession, error) {
	if taskID == "" {
		return nil, ErrNotFound
	}
	return scanSession(r.s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions WHERE task_id = ? AND state <> ? ORDER BY created_at DESC LIMIT 1`,
		taskID, string(models.SessionEnded)))
}

func (r *sqlSessionStore) ListOpen(ctx context.Context) ([]*models.ChannelSession, error) {
	rows, err := r.s.query(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions WHERE state <> ? ORDER BY last_activity_at`,
		string(models.SessionEnded))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.ChannelSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (r *sqlSessionStore) DeleteByChannel(ctx context.Context, channelID string) (int64, error) {
	res, err := r.s.exec(ctx, `DELETE FROM channel_sessions WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, fmt.Errorf("delete channel sessions: %w", err)
	}
	return res.RowsAffected()
}

func marshalContext(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal session context: %w", err)
	}
	return string(data), nil
}

func scanSession(row scanner) (*models.ChannelSession, error) {
	var (
		sess    models.ChannelSession
		chType  string
		state   string
		sessCtx string
		endedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.ChannelID, &chType, &sess.ChatID, &sess.UserID, &sess.TaskID,
		&sess.WorkspaceID, &state, &sessCtx, &sess.EndReason, &sess.CreatedAt, &sess.LastActivityAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.ChannelType = models.ChannelType(chType)
	sess.State = models.SessionState(state)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if sessCtx != "" && sessCtx != "{}" {
		if err := json.Unmarshal([]byte(sessCtx), &sess.Context); err != nil {
			return nil, fmt.Errorf("unmarshal session context: %w", err)
		}
	}
	return &sess, nil
}

// --- messages ---

type sqlMessageStore struct{ s *SQLStore }

const messageColumns = `id, channel_id, session_id, chat_id, user_id, channel_message_id, direction, text, created_at`

func (r *sqlMessageStore) Create(ctx context.Context, m *models.StoredMessage) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	_, err := r.s.exec(ctx,
		`INSERT INTO channel_messages (`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID,
		m.ChannelID,
		m.SessionID,
		m.ChatID,
		m.UserID,
		m.ChannelMessageID,
		string(m.Direction),
		m.Text,
		m.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *sqlMessageStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*models.StoredMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.s.query(ctx,
		`SELECT `+messageColumns+` FROM channel_messages WHERE session_id = ? ORDER BY created_at, id LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.StoredMessage
	for rows.Next() {
		var (
			m   models.StoredMessage
			dir string
		)
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SessionID, &m.ChatID, &m.UserID,
			&m.ChannelMessageID, &dir, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Direction = models.Direction(dir)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *sqlMessageStore) DeleteByChannel(ctx context.Context, channelID string) (int64, error) {
	res, err := r.s.exec(ctx, `DELETE FROM channel_messages WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, fmt.Errorf("delete channel messages: %w", err)
	}
	return res.RowsAffected()
}
