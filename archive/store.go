package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"jobescrow/core/events"
)

// DefaultPageSize caps List results when no limit is supplied.
const DefaultPageSize = 100

// ErrDriverRequired is returned by Open for an empty driver name.
var ErrDriverRequired = errors.New("archive: driver required")

// EventRecord is the persisted form of a sequenced ledger event.
type EventRecord struct {
	Sequence   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Type       string `gorm:"index;not null"`
	JobID      string `gorm:"index"`
	Attributes string `gorm:"type:text;not null"`
	Hash       string `gorm:"size:64;uniqueIndex;not null"`
	OccurredAt time.Time
	CreatedAt  time.Time
}

// TableName pins the table name independent of gorm's naming strategy.
func (EventRecord) TableName() string { return "escrow_events" }

// Store archives ledger events in a SQL database.
type Store struct {
	db *gorm.DB
}

// Open connects to sqlite (a file path or DSN) or postgres and migrates the
// schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "":
		return nil, ErrDriverRequired
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append implements events.Sink. Re-appending a sequence is a no-op.
func (s *Store) Append(rec events.Record) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("archive: encode attributes: %w", err)
	}
	row := EventRecord{
		Sequence:   rec.Sequence,
		Type:       rec.Type,
		JobID:      rec.Attributes["jobId"],
		Attributes: string(attrs),
		Hash:       rec.Hash,
		OccurredAt: time.Unix(rec.Timestamp, 0).UTC(),
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// Query filters archived events.
type Query struct {
	JobID  string
	Type   string
	Cursor uint64
	Limit  int
}

// List returns events with a sequence above q.Cursor in sequence order.
func (s *Store) List(ctx context.Context, q Query) ([]events.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	tx := s.db.WithContext(ctx).Where("sequence > ?", q.Cursor)
	if q.JobID != "" {
		tx = tx.Where("job_id = ?", q.JobID)
	}
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	var rows []EventRecord
	if err := tx.Order("sequence asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRecords(rows)
}

// All returns every archived event in sequence order.
func (s *Store) All(ctx context.Context) ([]events.Record, error) {
	var rows []EventRecord
	if err := s.db.WithContext(ctx).Order("sequence asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toRecords(rows)
}

func toRecords(rows []EventRecord) ([]events.Record, error) {
	out := make([]events.Record, 0, len(rows))
	for _, row := range rows {
		attrs := map[string]string{}
		if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("archive: decode attributes of seq %d: %w", row.Sequence, err)
		}
		out = append(out, events.Record{
			Sequence:   row.Sequence,
			Type:       row.Type,
			Attributes: attrs,
			Hash:       row.Hash,
			Timestamp:  row.OccurredAt.Unix(),
		})
	}
	return out, nil
}
