package db

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nikillxh/sentinel/internal/audit"
	"github.com/nikillxh/sentinel/pkg/types"
)

// SwapRecord is the database model for an applied swap.
type SwapRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"index;size:64;not null"`
	ProposalID    string    `gorm:"index;size:64;not null"`
	TokenIn       string    `gorm:"size:16;not null"`
	TokenOut      string    `gorm:"size:16;not null"`
	AmountIn      string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	AmountOut     string    `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	ExecutedPrice string    `gorm:"size:64"`
	ExecutionType string    `gorm:"size:16;not null"`
	Timestamp     time.Time `gorm:"index;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (SwapRecord) TableName() string {
	return "swaps"
}

// AuditRecord is the database mirror of one audit entry.
type AuditRecord struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Seq           uint64    `gorm:"index;not null"`
	Kind          string    `gorm:"size:32;index;not null"`
	SessionID     string    `gorm:"index;size:64"`
	CorrelationID string    `gorm:"size:64"`
	Reason        string    `gorm:"type:text"`
	Detail        string    `gorm:"type:text;comment:JSON-encoded detail map"`
	Timestamp     time.Time `gorm:"index;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (AuditRecord) TableName() string {
	return "audit_entries"
}

// MySQLRecorder mirrors swaps and audit entries into MySQL through GORM.
// The database is a mirror only: the in-memory log and the on-chain guard
// remain the authoritative record.
type MySQLRecorder struct {
	db *gorm.DB
}

// NewMySQLRecorder connects and migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLRecorder(dsn string) (*MySQLRecorder, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return NewMySQLRecorderWithDB(gdb)
}

// NewMySQLRecorderWithDB wraps an existing GORM DB instance.
func NewMySQLRecorderWithDB(gdb *gorm.DB) (*MySQLRecorder, error) {
	if err := gdb.AutoMigrate(&SwapRecord{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &MySQLRecorder{db: gdb}, nil
}

// RecordSwap persists an applied swap.
func (r *MySQLRecorder) RecordSwap(sessionID string, result *types.SwapResult) error {
	record := SwapRecord{
		SessionID:     sessionID,
		ProposalID:    result.ProposalID,
		TokenIn:       string(result.TokenIn),
		TokenOut:      string(result.TokenOut),
		AmountIn:      bigIntToString(result.AmountIn),
		AmountOut:     bigIntToString(result.AmountOut),
		ExecutedPrice: result.ExecutedPrice,
		ExecutionType: string(result.ExecutionType),
		Timestamp:     result.Timestamp,
	}
	if err := r.db.Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record swap: %w", err)
	}
	return nil
}

// RecordAudit implements audit.Recorder.
func (r *MySQLRecorder) RecordAudit(entry audit.Entry) error {
	detail := ""
	if len(entry.Detail) > 0 {
		raw, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to encode detail: %w", err)
		}
		detail = string(raw)
	}
	record := AuditRecord{
		Seq:           entry.Seq,
		Kind:          string(entry.Kind),
		SessionID:     entry.SessionID,
		CorrelationID: entry.CorrelationID,
		Reason:        entry.Reason,
		Detail:        detail,
		Timestamp:     entry.Timestamp,
	}
	if err := r.db.Create(&record).Error; err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// SwapsForSession retrieves a session's swaps in execution order.
func (r *MySQLRecorder) SwapsForSession(sessionID string) ([]SwapRecord, error) {
	var records []SwapRecord
	result := r.db.Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", result.Error)
	}
	return records, nil
}

// AuditByTimeRange retrieves mirrored audit entries within a window.
func (r *MySQLRecorder) AuditByTimeRange(start, end time.Time) ([]AuditRecord, error) {
	var records []AuditRecord
	result := r.db.Where("timestamp BETWEEN ? AND ?", start, end).
		Order("seq ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", result.Error)
	}
	return records, nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *MySQLRecorder) GetDB() *gorm.DB {
	return r.db
}

// Close closes the database connection.
func (r *MySQLRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// bigIntToString safely converts *big.Int to string, handling nil values.
func bigIntToString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
