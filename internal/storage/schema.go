package storage

import "strings"

type dialect struct {
	name          string
	sqlDriver     string
	timestampType string
	numbered      bool
}

var (
	sqliteDialect   = dialect{name: DriverSQLite, sqlDriver: "sqlite3", timestampType: "TIMESTAMP"}
	postgresDialect = dialect{name: DriverPostgres, sqlDriver: "postgres", timestampType: "TIMESTAMPTZ", numbered: true}
)

// rebind rewrites ? placeholders to $n for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

// Tables are created in dependency order; removal runs in reverse.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT FALSE,
		config TEXT NOT NULL DEFAULT '{}',
		security TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'disconnected',
		bot_username TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_users (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		channel_user_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		allowed BOOLEAN NOT NULL DEFAULT FALSE,
		pairing_code TEXT NOT NULL DEFAULT '',
		pairing_expires_at {{ts}} NULL,
		pairing_attempts INTEGER NOT NULL DEFAULT 0,
		created_at {{ts}} NOT NULL,
		last_seen_at {{ts}} NOT NULL,
		UNIQUE (channel_id, channel_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_users_code ON channel_users (channel_id, pairing_code)`,
	`CREATE TABLE IF NOT EXISTS channel_sessions (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		channel_type TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		end_reason TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		last_activity_at {{ts}} NOT NULL,
		ended_at {{ts}} NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_sessions_chat ON channel_sessions (channel_id, chat_id)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_sessions_task ON channel_sessions (task_id)`,
	`CREATE TABLE IF NOT EXISTS channel_messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		session_id TEXT NOT NULL DEFAULT '',
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		channel_message_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_channel_messages_session ON channel_messages (session_id, created_at)`,
}

func (d dialect) schema() []string {
	out := make([]string, len(schemaStatements))
	for i, stmt := range schemaStatements {
		out[i] = strings.ReplaceAll(stmt, "{{ts}}", d.timestampType)
	}
	return out
}
