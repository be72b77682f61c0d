package presence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("presence: database handle is required")

// StatusRecord is the persisted presence row.
type StatusRecord struct {
	KeyKind           string `gorm:"column:key_kind;primaryKey;size:32;not null"`
	KeyID             string `gorm:"column:key_id;primaryKey;size:190;not null"`
	IsTyping          bool   `gorm:"column:is_typing;not null;default:false"`
	IsOnline          bool   `gorm:"column:is_online;not null;default:false"`
	LastSeenAtMs      *int64 `gorm:"column:last_seen_at_ms"`
	TypingExpiresAtMs *int64 `gorm:"column:typing_expires_at_ms"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StatusRecord) TableName() string {
	return "presence_status"
}

// SQLStore reads and writes presence rows through GORM.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLStore constructs a SQLStore.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &SQLStore{db: db, clock: time.Now}, nil
}

func (s *SQLStore) ReadPresence(ctx context.Context, kind KeyKind, id string) (Row, bool, error) {
	var record StatusRecord
	err := s.db.WithContext(ctx).
		Where("key_kind = ? AND key_id = ?", string(kind), id).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return Row{
		IsTyping:        record.IsTyping,
		IsOnline:        record.IsOnline,
		LastSeenAt:      fromMillis(record.LastSeenAtMs),
		TypingExpiresAt: fromMillis(record.TypingExpiresAtMs),
	}, true, nil
}

func (s *SQLStore) WritePresence(ctx context.Context, kind KeyKind, id string, row Row) error {
	record := StatusRecord{
		KeyKind:           string(kind),
		KeyID:             id,
		IsTyping:          row.IsTyping,
		IsOnline:          row.IsOnline,
		LastSeenAtMs:      toMillis(row.LastSeenAt),
		TypingExpiresAtMs: toMillis(row.TypingExpiresAt),
		UpdatedAtSeconds:  s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
}

func toMillis(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	millis := value.UnixMilli()
	return &millis
}

func fromMillis(value *int64) *time.Time {
	if value == nil {
		return nil
	}
	instant := time.UnixMilli(*value).UTC()
	return &instant
}
