package postgresadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	domainerrors "pollsync/domain/errors"
	"pollsync/ports"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type pollModel struct {
	PollID    int64     `gorm:"column:id;primaryKey"`
	Value     []byte    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (pollModel) TableName() string { return "poll_records" }

type intentModel struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Kind      string    `gorm:"column:kind"`
	PollID    int64     `gorm:"column:poll_id"`
	ChatID    int64     `gorm:"column:chat_id"`
	MessageID int64     `gorm:"column:message_id"`
	Options   []byte    `gorm:"column:options"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (intentModel) TableName() string { return "poll_recovery_log" }

// Store persists poll records and the recovery log in Postgres.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Connect opens a gorm Postgres handle and verifies connectivity.
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// AutoMigrate creates the two tables when missing.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&pollModel{}, &intentModel{})
}

func (s *Store) SavePoll(ctx context.Context, pollID int64, value []byte) error {
	row := pollModel{
		PollID:    pollID,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      row.Value,
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row)
	if result.Error != nil {
		return s.logError("poll_record_save_failed", result.Error, "poll_id", pollID)
	}
	return nil
}

func (s *Store) LoadPoll(ctx context.Context, pollID int64) ([]byte, error) {
	var row pollModel
	err := s.db.WithContext(ctx).Where("id = ?", pollID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainerrors.ErrPollNotFound
		}
		return nil, s.logError("poll_record_load_failed", err, "poll_id", pollID)
	}
	return row.Value, nil
}

func (s *Store) DeletePoll(ctx context.Context, pollID int64) error {
	err := s.db.WithContext(ctx).Where("id = ?", pollID).Delete(&pollModel{}).Error
	if err != nil {
		return s.logError("poll_record_delete_failed", err, "poll_id", pollID)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, intent ports.RecoveryIntent) error {
	options, err := json.Marshal(intent.OptionData)
	if err != nil {
		return err
	}
	row := intentModel{
		ID:        intent.ID,
		Kind:      string(intent.Kind),
		PollID:    intent.PollID,
		ChatID:    intent.Message.ChatID,
		MessageID: intent.Message.MessageID,
		Options:   options,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return s.logError("recovery_intent_append_failed", err, "intent_id", intent.ID)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, intentID string) error {
	err := s.db.WithContext(ctx).Where("id = ?", intentID).Delete(&intentModel{}).Error
	if err != nil {
		return s.logError("recovery_intent_remove_failed", err, "intent_id", intentID)
	}
	return nil
}

// Replay returns surviving intents in append order. Entries that fail to
// decode are logged and deleted instead of blocking startup.
func (s *Store) Replay(ctx context.Context) ([]ports.RecoveryIntent, error) {
	var rows []intentModel
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&rows).Error
	if err != nil {
		return nil, s.logError("recovery_log_replay_failed", err)
	}
	intents := make([]ports.RecoveryIntent, 0, len(rows))
	for _, row := range rows {
		intent, err := rowToIntent(row)
		if err != nil {
			s.logger.Warn("corrupt recovery intent dropped",
				"event", "recovery_intent_corrupt",
				"intent_id", row.ID,
				"error", err.Error(),
			)
			_ = s.Remove(ctx, row.ID)
			continue
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func rowToIntent(row intentModel) (ports.RecoveryIntent, error) {
	kind := ports.RecoveryIntentKind(row.Kind)
	if kind != ports.RecoveryIntentVote && kind != ports.RecoveryIntentClose {
		return ports.RecoveryIntent{}, domainerrors.ErrIntentCorrupt
	}
	intent := ports.RecoveryIntent{
		ID:     row.ID,
		Kind:   kind,
		PollID: row.PollID,
	}
	intent.Message.ChatID = row.ChatID
	intent.Message.MessageID = row.MessageID
	if len(row.Options) > 0 {
		if err := json.Unmarshal(row.Options, &intent.OptionData); err != nil {
			return ports.RecoveryIntent{}, err
		}
	}
	return intent, nil
}

func (s *Store) logError(event string, err error, args ...any) error {
	fields := append([]any{"event", event, "error", err.Error()}, args...)
	s.logger.Error("postgres poll store operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
