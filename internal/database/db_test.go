package database

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type widget struct {
	ID int64
}

func TestConfigLogsFailedStatementsAtWarn(t *testing.T) {
	log, hook := test.NewNullLogger()
	db, err := gorm.Open(sqlite.Open("file::memory:"), Config(log))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))
	hook.Reset()

	var n int64
	require.NoError(t, db.Raw("SELECT 1").Scan(&n).Error)
	assert.ErrorIs(t, db.First(&widget{}).Error, gorm.ErrRecordNotFound)
	assert.Empty(t, hook.AllEntries(), "fast statements and missing rows are quiet")

	assert.Error(t, db.Exec("SELECT * FROM missing_table").Error)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Contains(t, hook.LastEntry().Message, "missing_table")

	assert.Equal(t, time.Second, slowQuery)
}

func TestNewConnectionRejectsBadSettings(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewConnection("postgres", "", log)
	assert.ErrorContains(t, err, "DB_DSN")

	_, err = NewConnection("oracle", "dsn", log)
	assert.ErrorContains(t, err, "unsupported DB_DRIVER")
}
