// Package store persists messages, chat session summaries and
// notifications in SQLite. All writes funnel through a single goroutine
// so concurrent senders never contend on the SQLite write lock; reads
// run concurrently against the connection pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tutorlink/internal/session"
	"tutorlink/pkg/types"
)

const (
	writeRetryDelay = 500 * time.Millisecond
	writeTimeout    = 30 * time.Second
)

// SessionMeta carries the denormalized display fields a private chat
// session row keeps for UI convenience. Zero values leave existing
// fields untouched on upsert.
type SessionMeta struct {
	CourseTitle string
	TutorName   string
	StudentName string
}

// HistoryOptions narrows a history query. Zero Limit means no limit;
// AfterSeq returns only messages with a higher sequence number, which
// is how reconnecting clients fetch just the gap.
type HistoryOptions struct {
	Limit    int
	AfterSeq int64
}

// Store is the SQLite-backed message, session and notification store.
type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// Open opens the database, applies pragmas and migrations, and starts
// the single-writer loop.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:           db,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop()

	return s, nil
}

// writeLoop processes all write operations in a single goroutine,
// retrying each failed operation exactly once.
func (s *Store) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case op := <-s.writeChannel:
			err := op.operation(s.db)
			if err != nil {
				s.logger.Warn("store write failed, retrying once", "error", err)
				time.Sleep(writeRetryDelay)
				err = op.operation(s.db)
				if err != nil {
					s.logger.Error("store write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-s.shutdown:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion, so
// append failures propagate to the caller instead of being dropped.
func (s *Store) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case s.writeChannel <- writeOperation{operation: operation, result: result}:
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrClosed
	}
}

// Append persists a message, assigning its server-side identity:
// uuid, per-room sequence number, timestamp and the initial "sent"
// status. For private messages the chat session row is upserted and
// its last_activity bumped in the same transaction, so the session
// list and the message log can never disagree.
func (s *Store) Append(ctx context.Context, msg *types.Message, meta *SessionMeta) (*types.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	stored := *msg
	stored.ID = uuid.New().String()
	stored.Timestamp = time.Now().UTC()
	stored.Status = types.StatusSent

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		roomKey := stored.RoomKey()

		// Sequence assignment is race-free because this runs on the
		// single writer goroutine.
		row := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE room_key = ?`, roomKey)
		if err := row.Scan(&stored.Seq); err != nil {
			return fmt.Errorf("failed to assign sequence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, room_key, seq, community_id, private_chat_id,
				sender, sender_role, content, image_url, timestamp, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			stored.ID,
			roomKey,
			stored.Seq,
			nullable(stored.CommunityID),
			nullable(stored.PrivateChatID),
			stored.Sender,
			stored.SenderRole,
			stored.Content,
			stored.ImageURL,
			stored.Timestamp,
			stored.Status,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}

		if stored.PrivateChatID != "" {
			if err := upsertSession(ctx, tx, &stored, meta); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, msg *types.Message, meta *SessionMeta) error {
	courseID, studentID, tutorID, err := session.Participants(msg.PrivateChatID)
	if err != nil {
		return err
	}

	if meta == nil {
		meta = &SessionMeta{}
	}

	// COALESCE(NULLIF(...)) keeps previously stored display names when
	// the current send omits them.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, room_key, course_id, student_id, tutor_id,
			course_title, tutor_name, student_name, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_key) DO UPDATE SET
			course_title  = COALESCE(NULLIF(excluded.course_title, ''), chat_sessions.course_title),
			tutor_name    = COALESCE(NULLIF(excluded.tutor_name, ''), chat_sessions.tutor_name),
			student_name  = COALESCE(NULLIF(excluded.student_name, ''), chat_sessions.student_name),
			last_activity = excluded.last_activity
	`,
		uuid.New().String(),
		msg.PrivateChatID,
		courseID,
		studentID,
		tutorID,
		meta.CourseTitle,
		meta.TutorName,
		meta.StudentName,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chat session: %w", err)
	}
	return nil
}

// History returns messages for a room, oldest first. A failed query is
// an explicit error so callers can distinguish "no messages" from
// "load failed".
func (s *Store) History(ctx context.Context, roomKey string, opts HistoryOptions) ([]*types.Message, error) {
	query := `
		SELECT id, room_key, seq, community_id, private_chat_id,
			sender, sender_role, content, image_url, timestamp, status
		FROM messages
		WHERE room_key = ? AND seq > ?
		ORDER BY seq ASC
	`
	args := []any{roomKey, opts.AfterSeq}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg           types.Message
		roomKey       string
		communityID   sql.NullString
		privateChatID sql.NullString
	)
	err := row.Scan(
		&msg.ID,
		&roomKey,
		&msg.Seq,
		&communityID,
		&privateChatID,
		&msg.Sender,
		&msg.SenderRole,
		&msg.Content,
		&msg.ImageURL,
		&msg.Timestamp,
		&msg.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message row: %w", err)
	}
	msg.CommunityID = communityID.String
	msg.PrivateChatID = privateChatID.String
	return &msg, nil
}

// UpdateStatus moves a message's lifecycle status forward. Regressions
// are rejected; repeating the current status is a no-op so duplicate
// delivery confirmations stay harmless.
func (s *Store) UpdateStatus(ctx context.Context, messageID, status string) error {
	if !types.IsValidStatus(status) {
		return types.ErrInvalidStatus
	}

	return s.executeWrite(ctx, func(db *sql.DB) error {
		var current string
		row := db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, messageID)
		if err := row.Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return ErrMessageNotFound
			}
			return fmt.Errorf("failed to read message status: %w", err)
		}

		if !types.CanTransition(current, status) {
			return types.ErrStatusRegression
		}
		if current == status {
			return nil
		}

		_, err := db.ExecContext(ctx,
			`UPDATE messages SET status = ? WHERE id = ?`, status, messageID)
		if err != nil {
			return fmt.Errorf("failed to update message status: %w", err)
		}
		return nil
	})
}

// MarkSessionRead transitions every message in a room that was sent to
// the reader (not by them) to "read", and returns the messages that
// actually transitioned so read receipts can be fanned out per message.
func (s *Store) MarkSessionRead(ctx context.Context, roomKey, readerID string) ([]*types.Message, error) {
	var transitioned []*types.Message

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		transitioned = transitioned[:0]

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, room_key, seq, community_id, private_chat_id,
				sender, sender_role, content, image_url, timestamp, status
			FROM messages
			WHERE room_key = ? AND sender <> ? AND status <> ?
			ORDER BY seq ASC
		`, roomKey, readerID, types.StatusRead)
		if err != nil {
			return fmt.Errorf("failed to query unread messages: %w", err)
		}
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			transitioned = append(transitioned, msg)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("error iterating unread rows: %w", err)
		}
		_ = rows.Close()

		if len(transitioned) == 0 {
			return tx.Commit()
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = ?
			WHERE room_key = ? AND sender <> ? AND status <> ?
		`, types.StatusRead, roomKey, readerID, types.StatusRead)
		if err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}

		for _, msg := range transitioned {
			msg.Status = types.StatusRead
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	return transitioned, nil
}

// SessionsForUser returns the user's private chat sessions ordered by
// most recent activity first.
func (s *Store) SessionsForUser(ctx context.Context, userID, role string) ([]*types.ChatSession, error) {
	column := "student_id"
	if role == types.RoleTutor {
		column = "tutor_id"
	}

	query := fmt.Sprintf(`
		SELECT id, course_id, student_id, tutor_id,
			course_title, tutor_name, student_name, last_activity
		FROM chat_sessions
		WHERE %s = ?
		ORDER BY last_activity DESC
	`, column)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []*types.ChatSession{}
	for rows.Next() {
		var cs types.ChatSession
		err := rows.Scan(
			&cs.ID,
			&cs.CourseID,
			&cs.StudentID,
			&cs.TutorID,
			&cs.CourseTitle,
			&cs.TutorName,
			&cs.StudentName,
			&cs.LastActivity,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, &cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// CreateNotification persists a notification, assigning id and
// creation time.
func (s *Store) CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	stored := *n
	stored.ID = uuid.New().String()
	stored.CreatedAt = time.Now().UTC()
	stored.Read = false

	payload, err := json.Marshal(stored.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	err = s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (id, user_id, type, read, created_at, payload)
			VALUES (?, ?, ?, 0, ?, ?)
		`, stored.ID, stored.UserID, stored.Type, stored.CreatedAt, string(payload))
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &stored, nil
}

// ListNotifications returns a page of the user's notifications, newest
// first. Page numbering starts at 1.
func (s *Store) ListNotifications(ctx context.Context, userID string, page, perPage int) ([]*types.Notification, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, read, created_at, payload
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := []*types.Notification{}
	for rows.Next() {
		var (
			n       types.Notification
			payload string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Read, &n.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification payload: %w", err)
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead flips a notification's read flag and returns
// the updated notification so the change can be echoed to the user's
// live connections. The userID guard stops one user from acknowledging
// another's notifications.
func (s *Store) MarkNotificationRead(ctx context.Context, notificationID, userID string) (*types.Notification, error) {
	var updated *types.Notification

	err := s.executeWrite(ctx, func(db *sql.DB) error {
		var (
			n       types.Notification
			payload string
		)
		row := db.QueryRowContext(ctx, `
			SELECT id, user_id, type, read, created_at, payload
			FROM notifications WHERE id = ? AND user_id = ?
		`, notificationID, userID)
		if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Read, &n.CreatedAt, &payload); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotificationNotFound
			}
			return fmt.Errorf("failed to read notification: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return fmt.Errorf("failed to unmarshal notification payload: %w", err)
		}

		if !n.Read {
			if _, err := db.ExecContext(ctx,
				`UPDATE notifications SET read = 1 WHERE id = ?`, notificationID); err != nil {
				return fmt.Errorf("failed to mark notification read: %w", err)
			}
			n.Read = true
		}

		updated = &n
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// MarkAllNotificationsRead flips every unread notification for a user.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0`, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notifications read: %w", err)
		}
		return nil
	})
}

// ClearNotifications bulk-deletes a user's notifications. Individual
// deletes are not supported; this is the only removal path.
func (s *Store) ClearNotifications(ctx context.Context, userID string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM notifications WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("failed to clear notifications: %w", err)
		}
		return nil
	})
}

// HealthCheck validates connectivity and basic read access.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close drains the write loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
