package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingEntityID   = errors.New("entity identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opJournalNew     = "mutation.journal.new"
	opJournalAppend  = "mutation.journal.append"
	opJournalResolve = "mutation.journal.resolve"
	opJournalConfirm = "mutation.journal.confirm"
	opJournalList    = "mutation.journal.list"
	opJournalRecover = "mutation.journal.recover"
)

// interruptedCode is the error code of entries left pending by a previous process.
const interruptedCode = "interrupted"

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Operation names a mutation kind.
type Operation string

const (
	OperationEdit     Operation = "edit"
	OperationDelete   Operation = "delete"
	OperationPin      Operation = "pin"
	OperationUnpin    Operation = "unpin"
	OperationSend     Operation = "send"
	OperationMoveDeal Operation = "move_deal"
)

// EntryStatus is the lifecycle of a journaled mutation.
type EntryStatus string

const (
	// StatusPending marks a mutation whose request is in flight.
	StatusPending EntryStatus = "pending"
	// StatusSent marks a mutation the server accepted.
	StatusSent EntryStatus = "sent"
	// StatusFailed marks a mutation whose request failed. It is never retried.
	StatusFailed EntryStatus = "failed"
	// StatusConfirmed marks a mutation whose entity came back on the change stream.
	StatusConfirmed EntryStatus = "confirmed"
)

// JournalEntry is one recorded mutation.
type JournalEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	Operation        string `gorm:"column:operation;size:32;not null"`
	EntityTable      string `gorm:"column:entity_table;size:32;not null;index:idx_journal_entity,priority:1"`
	EntityID         string `gorm:"column:entity_id;size:190;not null;index:idx_journal_entity,priority:2"`
	ScopeID          string `gorm:"column:scope_id;size:190"`
	Payload          string `gorm:"column:payload;type:text"`
	Status           string `gorm:"column:status;size:16;not null;index"`
	ErrorCode        string `gorm:"column:error_code;size:190"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (JournalEntry) TableName() string {
	return "mutation_journal"
}

// JournalConfig wires a Journal.
type JournalConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider inbox.IDProvider
	Logger     *zap.Logger
}

// Journal persists every mutation the coordinator issues.
type Journal struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider inbox.IDProvider
	logger     *zap.Logger
}

// NewJournal validates cfg and constructs a Journal.
func NewJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opJournalNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opJournalNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Journal{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Append records a pending mutation.
func (j *Journal) Append(ctx context.Context, operation Operation, table, entityID, scopeID, payload string) (JournalEntry, error) {
	if entityID == "" {
		return JournalEntry{}, newServiceError(opJournalAppend, "missing_entity_id", errMissingEntityID)
	}
	entryID, err := j.idProvider.NewID()
	if err != nil {
		j.logError(opJournalAppend, "id_generation_failed", err, zap.String("entity_id", entityID))
		return JournalEntry{}, newServiceError(opJournalAppend, "id_generation_failed", err)
	}
	now := j.clock().UTC().Unix()
	entry := JournalEntry{
		EntryID:          entryID,
		Operation:        string(operation),
		EntityTable:      table,
		EntityID:         entityID,
		ScopeID:          scopeID,
		Payload:          payload,
		Status:           string(StatusPending),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		j.logError(opJournalAppend, "insert_failed", err,
			zap.String("operation", string(operation)),
			zap.String("entity_id", entityID))
		return JournalEntry{}, newServiceError(opJournalAppend, "insert_failed", err)
	}
	return entry, nil
}

// MarkSent moves a pending entry to sent. A non-empty serverEntityID replaces
// the entity id so that the server's echo can confirm the entry.
func (j *Journal) MarkSent(ctx context.Context, entryID, serverEntityID string) error {
	updates := map[string]any{
		"status":       string(StatusSent),
		"updated_at_s": j.clock().UTC().Unix(),
	}
	if serverEntityID != "" {
		updates["entity_id"] = serverEntityID
	}
	return j.resolve(ctx, entryID, updates)
}

// MarkFailed moves a pending entry to failed and records the failure code.
func (j *Journal) MarkFailed(ctx context.Context, entryID string, cause error) error {
	return j.resolve(ctx, entryID, map[string]any{
		"status":       string(StatusFailed),
		"error_code":   failureCode(cause),
		"updated_at_s": j.clock().UTC().Unix(),
	})
}

func (j *Journal) resolve(ctx context.Context, entryID string, updates map[string]any) error {
	err := j.db.WithContext(ctx).
		Model(&JournalEntry{}).
		Where("entry_id = ? AND status = ?", entryID, string(StatusPending)).
		Updates(updates).Error
	if err != nil {
		j.logError(opJournalResolve, "update_failed", err, zap.String("entry_id", entryID))
		return newServiceError(opJournalResolve, "update_failed", err)
	}
	return nil
}

// Confirm marks every pending or sent entry of the entity as confirmed and
// returns the number of entries updated.
func (j *Journal) Confirm(ctx context.Context, table, entityID string) (int64, error) {
	result := j.db.WithContext(ctx).
		Model(&JournalEntry{}).
		Where("entity_table = ? AND entity_id = ? AND status IN ?", table, entityID,
			[]string{string(StatusPending), string(StatusSent)}).
		Updates(map[string]any{
			"status":       string(StatusConfirmed),
			"updated_at_s": j.clock().UTC().Unix(),
		})
	if result.Error != nil {
		j.logError(opJournalConfirm, "update_failed", result.Error,
			zap.String("entity_table", table),
			zap.String("entity_id", entityID))
		return 0, newServiceError(opJournalConfirm, "update_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// FailInterrupted marks entries still pending from an earlier process as
// failed. Their requests can no longer be observed and are never retried.
func (j *Journal) FailInterrupted(ctx context.Context) (int64, error) {
	result := j.db.WithContext(ctx).
		Model(&JournalEntry{}).
		Where("status = ?", string(StatusPending)).
		Updates(map[string]any{
			"status":       string(StatusFailed),
			"error_code":   interruptedCode,
			"updated_at_s": j.clock().UTC().Unix(),
		})
	if result.Error != nil {
		j.logError(opJournalRecover, "update_failed", result.Error)
		return 0, newServiceError(opJournalRecover, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		j.logger.Warn("interrupted mutations marked failed", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// Entries lists journal entries, newest first. An empty status lists all.
func (j *Journal) Entries(ctx context.Context, status EntryStatus, limit int) ([]JournalEntry, error) {
	query := j.db.WithContext(ctx).Order("created_at_s DESC").Order("entry_id DESC")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []JournalEntry
	if err := query.Find(&entries).Error; err != nil {
		j.logError(opJournalList, "query_failed", err)
		return nil, newServiceError(opJournalList, "query_failed", err)
	}
	return entries, nil
}

// Entry loads one entry by id.
func (j *Journal) Entry(ctx context.Context, entryID string) (JournalEntry, error) {
	var entry JournalEntry
	if err := j.db.WithContext(ctx).Where("entry_id = ?", entryID).Take(&entry).Error; err != nil {
		return JournalEntry{}, newServiceError(opJournalList, "entry_lookup_failed", err)
	}
	return entry, nil
}

func (j *Journal) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	j.logger.Error("mutation journal error", attrs...)
}
