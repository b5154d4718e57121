// Package db persists the engine's structured TxEvent stream to MySQL via
// GORM, generalized from the teacher's AssetSnapshotRecord/MySQLRecorder
// shape (one wide table, auto-migrated, queried by time range/kind) to the
// four-kind tx_submitted/tx_confirmed/tx_failed/profit_recorded stream.
package db

import (
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/on1labs/mevengine/internal/model"
)

// TxEventRecord is the GORM model backing one model.TxEvent.
type TxEventRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Kind      string    `gorm:"index;not null"`
	TxHash    string    `gorm:"index;size:66"`
	Address   string    `gorm:"index;size:42"`
	Nonce     uint64
	GasUsed   uint64
	GasPrice  string `gorm:"type:varchar(78);comment:big.Int as string"`
	ProfitEth float64
	Detail    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (TxEventRecord) TableName() string { return "tx_events" }

// EventStore records and queries the structured TxEvent stream.
type EventStore interface {
	RecordEvent(evt model.TxEvent) error
	EventsByHash(hash model.TxHash) ([]TxEventRecord, error)
	EventsByTimeRange(start, end time.Time) ([]TxEventRecord, error)
	ProfitSince(since time.Time) (float64, error)
	Close() error
}

// MySQLEventStore implements EventStore using GORM and MySQL.
type MySQLEventStore struct {
	db *gorm.DB
}

// NewMySQLEventStore opens dsn ("user:password@tcp(host:port)/dbname?charset=
// utf8mb4&parseTime=True&loc=Local") and auto-migrates the schema.
func NewMySQLEventStore(dsn string) (*MySQLEventStore, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect mysql: %w", err)
	}
	return NewMySQLEventStoreWithDB(gdb)
}

// NewMySQLEventStoreWithDB wraps an already-open GORM DB, auto-migrating the
// schema.
func NewMySQLEventStoreWithDB(gdb *gorm.DB) (*MySQLEventStore, error) {
	if err := gdb.AutoMigrate(&TxEventRecord{}); err != nil {
		return nil, fmt.Errorf("db: migrate schema: %w", err)
	}
	return &MySQLEventStore{db: gdb}, nil
}

// RecordEvent persists one structured engine event.
func (s *MySQLEventStore) RecordEvent(evt model.TxEvent) error {
	record := TxEventRecord{
		Timestamp: evt.Timestamp,
		Kind:      string(evt.Kind),
		TxHash:    evt.TxHash.String(),
		Address:   evt.Address.String(),
		Nonce:     evt.Nonce,
		GasUsed:   evt.GasUsed,
		GasPrice:  bigIntToString(evt.GasPrice),
		ProfitEth: evt.ProfitEth,
		Detail:    evt.Detail,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	if result := s.db.Create(&record); result.Error != nil {
		return fmt.Errorf("db: record event: %w", result.Error)
	}
	return nil
}

// EventsByHash returns every recorded event for one tx hash, oldest first.
func (s *MySQLEventStore) EventsByHash(hash model.TxHash) ([]TxEventRecord, error) {
	var records []TxEventRecord
	result := s.db.Where("tx_hash = ?", hash.String()).Order("timestamp ASC").Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("db: events by hash: %w", result.Error)
	}
	return records, nil
}

// EventsByTimeRange returns every event in [start, end], oldest first.
func (s *MySQLEventStore) EventsByTimeRange(start, end time.Time) ([]TxEventRecord, error) {
	var records []TxEventRecord
	result := s.db.Where("timestamp BETWEEN ? AND ?", start, end).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("db: events by time range: %w", result.Error)
	}
	return records, nil
}

// ProfitSince sums profit_eth across profit_recorded events since the given
// timestamp.
func (s *MySQLEventStore) ProfitSince(since time.Time) (float64, error) {
	var total float64
	result := s.db.Model(&TxEventRecord{}).
		Where("kind = ? AND timestamp >= ?", string(model.EventProfitRecord), since).
		Select("COALESCE(SUM(profit_eth), 0)").
		Scan(&total)
	if result.Error != nil {
		return 0, fmt.Errorf("db: sum profit: %w", result.Error)
	}
	return total, nil
}

// Close releases the underlying connection pool.
func (s *MySQLEventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("db: underlying handle: %w", err)
	}
	return sqlDB.Close()
}

func bigIntToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
