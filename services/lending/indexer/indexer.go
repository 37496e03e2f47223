// Package indexer persists committed loan events to a SQL history store so
// the lifecycle of a loan can be queried after its record has been erased.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peerlend/core/events"
	"peerlend/observability/metrics"
)

// Record is one persisted loan event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	LoanID     uint64    `gorm:"index;not null"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName pins the table name independent of gorm's pluralisation.
func (Record) TableName() string { return "loan_events" }

// Entry is the decoded form of a Record returned to callers.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	LoanID     uint64            `json:"loanId"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Open connects to dsn. DSNs starting with postgres:// or postgresql:// use
// the Postgres driver, anything else is handed to SQLite.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("indexer: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open: %w", err)
	}
	return db, nil
}

// Indexer implements events.Emitter on top of a gorm database.
type Indexer struct {
	db      *gorm.DB
	logger  *slog.Logger
	metrics *metrics.IndexerMetrics

	mu   sync.Mutex
	next uint64
}

// New migrates the schema and resumes the sequence after the last stored row.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	var last struct{ Max uint64 }
	if err := db.Model(&Record{}).Select("COALESCE(MAX(sequence), 0) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("indexer: resume: %w", err)
	}
	return &Indexer{db: db, logger: log, metrics: metrics.Indexer(), next: last.Max + 1}, nil
}

// Emit persists evt when it carries a loanId attribute. Write failures are
// logged and counted; they never reach the operation that produced evt.
func (ix *Indexer) Emit(evt events.Event) {
	rendered := events.Render(evt)
	if rendered == nil {
		return
	}
	raw := rendered.Attr("loanId")
	if raw == "" {
		ix.metrics.RecordSkip("no_loan_id")
		return
	}
	loanID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		ix.metrics.RecordSkip("malformed_loan_id")
		return
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		ix.metrics.RecordWriteFailure()
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	record := Record{
		ID:         uuid.New(),
		Sequence:   ix.next,
		LoanID:     loanID,
		Type:       rendered.Type,
		Attributes: string(attrs),
		CreatedAt:  time.Now().UTC(),
	}
	if err := ix.db.Create(&record).Error; err != nil {
		ix.metrics.RecordWriteFailure()
		ix.logger.Error("persist loan event",
			slog.String("type", rendered.Type),
			slog.Uint64("loan_id", loanID),
			slog.Any("error", err))
		return
	}
	ix.next++
	ix.metrics.RecordEvent(rendered.Type, loanID)
}

// History returns the events recorded for loanID in emission order.
func (ix *Indexer) History(ctx context.Context, loanID uint64) ([]Entry, error) {
	var records []Record
	err := ix.db.WithContext(ctx).
		Where("loan_id = ?", loanID).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: history: %w", err)
	}
	return decode(records)
}

// Recent returns up to limit of the most recently recorded events, newest
// first.
func (ix *Indexer) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []Record
	err := ix.db.WithContext(ctx).Order("sequence DESC").Limit(limit).Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: recent: %w", err)
	}
	return decode(records)
}

func decode(records []Record) ([]Entry, error) {
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		attrs := map[string]string{}
		if rec.Attributes != "" {
			if err := json.Unmarshal([]byte(rec.Attributes), &attrs); err != nil {
				return nil, fmt.Errorf("indexer: decode %s: %w", rec.ID, err)
			}
		}
		out = append(out, Entry{
			Sequence:   rec.Sequence,
			LoanID:     rec.LoanID,
			Type:       rec.Type,
			Attributes: attrs,
			RecordedAt: rec.CreatedAt,
		})
	}
	return out, nil
}
