package imessage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/cowork-oss/cowork-gateway/internal/channels"
)

// Group chats have style 43 in chat.db; direct chats 45.
const groupStyle = 43

const pollBatch = 100

// appleEpoch is the reference date of chat.db timestamps.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// Opener opens the Messages database read-only.
type Opener func(ctx context.Context, path string) (*sql.DB, error)

func openDatabase(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, channels.ErrNotFound(fmt.Sprintf("messages database not found at %q", path), err)
		}
		return nil, channels.ErrAuthentication("messages database not readable; grant Full Disk Access", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, channels.ErrConnection("open messages database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, channels.ErrConnection("ping messages database", err)
	}
	return db, nil
}

type messageRow struct {
	rowID          int64
	guid           string
	text           sql.NullString
	date           int64
	handle         sql.NullString
	chatGUID       sql.NullString
	chatName       sql.NullString
	style          sql.NullInt64
	replyTo        sql.NullString
	hasAttachments bool
}

func (r messageRow) isGroup() bool {
	if r.style.Valid && r.style.Int64 == groupStyle {
		return true
	}
	return r.chatGUID.Valid && isGroupChat(r.chatGUID.String)
}

// isGroupChat reports whether chatID is a group chat GUID such as
// "iMessage;+;chat123".
func isGroupChat(chatID string) bool {
	return strings.Contains(chatID, ";+;")
}

type attachmentRow struct {
	filename     sql.NullString
	mimeType     sql.NullString
	transferName sql.NullString
	size         sql.NullInt64
}

func lastRowID(ctx context.Context, db *sql.DB) (int64, error) {
	var id sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(ROWID) FROM message").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func incomingSince(ctx context.Context, db *sql.DB, after int64) ([]messageRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT m.ROWID, m.guid, m.text, m.date, h.id, c.guid, c.display_name, c.style,
			m.thread_originator_guid, m.cache_has_attachments
		FROM message m
		LEFT JOIN handle h ON m.handle_id = h.ROWID
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
		LEFT JOIN chat c ON cmj.chat_id = c.ROWID
		WHERE m.ROWID > ? AND m.is_from_me = 0
		ORDER BY m.ROWID ASC
		LIMIT ?`, after, pollBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []messageRow
	for rows.Next() {
		var r messageRow
		var hasAttachments sql.NullInt64
		if err := rows.Scan(&r.rowID, &r.guid, &r.text, &r.date, &r.handle, &r.chatGUID, &r.chatName,
			&r.style, &r.replyTo, &hasAttachments); err != nil {
			return nil, err
		}
		r.hasAttachments = hasAttachments.Int64 != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func attachmentsFor(ctx context.Context, db *sql.DB, messageRowID int64) ([]attachmentRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT a.filename, a.mime_type, a.transfer_name, a.total_bytes
		FROM attachment a
		JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
		WHERE maj.message_id = ?`, messageRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attachmentRow
	for rows.Next() {
		var r attachmentRow
		if err := rows.Scan(&r.filename, &r.mimeType, &r.transferName, &r.size); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// appleTime converts a chat.db date. Since macOS 10.13 dates are
// nanoseconds since 2001-01-01; older databases store seconds.
func appleTime(v int64) time.Time {
	if v > 1e12 || v < -1e12 {
		return appleEpoch.Add(time.Duration(v)).Local()
	}
	return appleEpoch.Add(time.Duration(v) * time.Second).Local()
}

func attachmentName(r attachmentRow) string {
	if r.transferName.Valid && r.transferName.String != "" {
		return r.transferName.String
	}
	return filepath.Base(r.filename.String)
}
