package db

import (
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/on1labs/mevengine/internal/model"
)

func newMockStore(t *testing.T) (*MySQLEventStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &MySQLEventStore{db: gormDB}, mock
}

func TestRecordEvent_InsertsRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `tx_events`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.RecordEvent(model.TxEvent{
		Kind:      model.EventTxSubmitted,
		TxHash:    model.NewTxHash("0xabc"),
		Address:   model.NewAddress("0x00000000000000000000000000000000000bbb"),
		Nonce:     1,
		GasUsed:   21000,
		GasPrice:  big.NewInt(20_000_000_000),
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBigIntToString(t *testing.T) {
	assert.Equal(t, "0", bigIntToString(nil))
	assert.Equal(t, "0", bigIntToString(big.NewInt(0)))
	assert.Equal(t, "123456789", bigIntToString(big.NewInt(123456789)))
}

func TestTxEventRecord_TableName(t *testing.T) {
	assert.Equal(t, "tx_events", TxEventRecord{}.TableName())
}
