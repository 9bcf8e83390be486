package sqliteadapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	domainerrors "pollsync/domain/errors"
	"pollsync/ports"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS poll_records (
    id INTEGER PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS poll_recovery_log (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    poll_id INTEGER NOT NULL,
    chat_id INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    options BLOB,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_poll_recovery_log_created_at ON poll_recovery_log(created_at);
`

// Open opens (and creates if needed) the local SQLite database file used as
// the client-side durable store.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	return db, nil
}

// CreateSchema creates all tables. Safe to call multiple times.
func CreateSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// Store persists poll records and the recovery log in a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) SavePoll(ctx context.Context, pollID int64, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_records(id, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		pollID, value, time.Now().UTC(),
	)
	if err != nil {
		return s.logError("poll_record_save_failed", err, "poll_id", pollID)
	}
	return nil
}

func (s *Store) LoadPoll(ctx context.Context, pollID int64) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM poll_records WHERE id = ?`, pollID).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainerrors.ErrPollNotFound
		}
		return nil, s.logError("poll_record_load_failed", err, "poll_id", pollID)
	}
	return value, nil
}

func (s *Store) DeletePoll(ctx context.Context, pollID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM poll_records WHERE id = ?`, pollID); err != nil {
		return s.logError("poll_record_delete_failed", err, "poll_id", pollID)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, intent ports.RecoveryIntent) error {
	options, err := json.Marshal(intent.OptionData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO poll_recovery_log(id, kind, poll_id, chat_id, message_id, options, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		intent.ID, string(intent.Kind), intent.PollID,
		intent.Message.ChatID, intent.Message.MessageID, options, time.Now().UTC(),
	)
	if err != nil {
		return s.logError("recovery_intent_append_failed", err, "intent_id", intent.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, intentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM poll_recovery_log WHERE id = ?`, intentID); err != nil {
		return s.logError("recovery_intent_remove_failed", err, "intent_id", intentID)
	}
	return nil
}

// Replay returns surviving intents in append order, dropping entries that
// fail to decode instead of blocking startup.
func (s *Store) Replay(ctx context.Context) ([]ports.RecoveryIntent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, poll_id, chat_id, message_id, options FROM poll_recovery_log ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, s.logError("recovery_log_replay_failed", err)
	}
	defer rows.Close()

	var intents []ports.RecoveryIntent
	var corrupt []string
	for rows.Next() {
		var intent ports.RecoveryIntent
		var kind string
		var options []byte
		if err := rows.Scan(&intent.ID, &kind, &intent.PollID,
			&intent.Message.ChatID, &intent.Message.MessageID, &options); err != nil {
			return nil, s.logError("recovery_log_scan_failed", err)
		}
		intent.Kind = ports.RecoveryIntentKind(kind)
		if intent.Kind != ports.RecoveryIntentVote && intent.Kind != ports.RecoveryIntentClose {
			s.logger.Warn("corrupt recovery intent dropped",
				"event", "recovery_intent_corrupt",
				"intent_id", intent.ID,
			)
			corrupt = append(corrupt, intent.ID)
			continue
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &intent.OptionData); err != nil {
				s.logger.Warn("corrupt recovery intent dropped",
					"event", "recovery_intent_corrupt",
					"intent_id", intent.ID,
					"error", err.Error(),
				)
				corrupt = append(corrupt, intent.ID)
				continue
			}
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, s.logError("recovery_log_replay_failed", err)
	}
	for _, id := range corrupt {
		_ = s.Remove(ctx, id)
	}
	return intents, nil
}

func (s *Store) logError(event string, err error, args ...any) error {
	fields := append([]any{"event", event, "error", err.Error()}, args...)
	s.logger.Error("sqlite poll store operation failed", fields...)
	return err
}
