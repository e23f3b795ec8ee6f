package db

import (
    "context"
    "database/sql"
    "time"

    "github.com/Ibrahimgamal99/OpDesk/pkg/errors"
    "github.com/Ibrahimgamal99/OpDesk/pkg/logger"
)

const extensionsCacheKey = "extensions"

// LoadExtensions returns the set of extensions to monitor, ordered.
// The users table is the source of truth; installations without it
// fall back to the numeric PJSIP endpoints.
func (db *DB) LoadExtensions(ctx context.Context) ([]string, error) {
    exts, err := db.queryExtensions(ctx, "SELECT extension FROM users ORDER BY extension")
    if err == nil && len(exts) > 0 {
        db.cacheExtensions(ctx, exts)
        return exts, nil
    }
    if err != nil {
        logger.WithError(err).Warn("users table unavailable, falling back to ps_endpoints")
    }

    exts, err = db.queryExtensions(ctx,
        "SELECT id FROM ps_endpoints WHERE id REGEXP '^[0-9]+$' ORDER BY CAST(id AS UNSIGNED)")
    if err != nil {
        // Last resort: whatever a previous run cached.
        if cached := cachedExtensions(ctx); len(cached) > 0 {
            logger.WithField("count", len(cached)).Warn("Using cached extension list")
            return cached, nil
        }
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load extensions")
    }

    db.cacheExtensions(ctx, exts)
    return exts, nil
}

func (db *DB) queryExtensions(ctx context.Context, query string) ([]string, error) {
    rows, err := db.QueryContext(ctx, query)
    if err != nil {
        return nil, err
    }
    defer rows.Close()

    var exts []string
    for rows.Next() {
        var ext string
        if err := rows.Scan(&ext); err != nil {
            return nil, err
        }
        exts = append(exts, ext)
    }
    return exts, rows.Err()
}

func (db *DB) cacheExtensions(ctx context.Context, exts []string) {
    GetCache().Set(ctx, extensionsCacheKey, exts, 24*time.Hour)
}

func cachedExtensions(ctx context.Context) []string {
    var exts []string
    GetCache().Get(ctx, extensionsCacheKey, &exts)
    return exts
}

// InsertNotification appends one row to the missed-call ledger.
func (db *DB) InsertNotification(ctx context.Context, extension, caller, queue, callID, reason string) error {
    _, err := db.ExecContext(ctx,
        `INSERT INTO call_notifications (extension, caller_from, queue_name, call_id, reason)
         VALUES (?, ?, ?, ?, ?)`,
        extension, caller, queue, callID, reason)
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to insert call notification")
    }
    return nil
}

// NotificationRow is one missed-call ledger entry as stored.
type NotificationRow struct {
    ID        int64     `json:"id"`
    Extension string    `json:"extension"`
    Caller    string    `json:"caller_from"`
    Queue     string    `json:"queue_name"`
    CallID    string    `json:"call_id"`
    Reason    string    `json:"reason"`
    Read      bool      `json:"is_read"`
    CreatedAt time.Time `json:"created_at"`
}

// UnreadNotifications returns the unread ledger rows for an extension,
// newest first.
func (db *DB) UnreadNotifications(ctx context.Context, extension string, limit int) ([]NotificationRow, error) {
    if limit <= 0 {
        limit = 50
    }
    rows, err := db.QueryContext(ctx,
        `SELECT id, extension, caller_from, queue_name, call_id, reason, is_read, created_at
         FROM call_notifications
         WHERE extension = ? AND is_read = 0
         ORDER BY created_at DESC
         LIMIT ?`,
        extension, limit)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query notifications")
    }
    defer rows.Close()

    var out []NotificationRow
    for rows.Next() {
        var n NotificationRow
        if err := rows.Scan(&n.ID, &n.Extension, &n.Caller, &n.Queue, &n.CallID,
            &n.Reason, &n.Read, &n.CreatedAt); err != nil {
            return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan notification")
        }
        out = append(out, n)
    }
    return out, rows.Err()
}

// MarkNotificationsRead flags the given rows as read. An empty id list
// marks everything for the extension.
func (db *DB) MarkNotificationsRead(ctx context.Context, extension string, ids []int64) error {
    var err error
    if len(ids) == 0 {
        _, err = db.ExecContext(ctx,
            "UPDATE call_notifications SET is_read = 1 WHERE extension = ?", extension)
    } else {
        err = db.Transaction(ctx, func(tx *sql.Tx) error {
            for _, id := range ids {
                if _, e := tx.ExecContext(ctx,
                    "UPDATE call_notifications SET is_read = 1 WHERE extension = ? AND id = ?",
                    extension, id); e != nil {
                    return e
                }
            }
            return nil
        })
    }
    if err != nil {
        return errors.Wrap(err, errors.ErrDatabase, "failed to mark notifications read")
    }
    return nil
}
