package repo

import (
	"testing"

	"CloudVault/model"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private shared-cache in-memory SQLite database. A single
// connection keeps concurrent transactions serialized the way row locks would.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id uint64, quota int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.User{
		ID:         id,
		UserName:   uuid.NewString()[:12],
		Email:      uuid.NewString() + "@example.com",
		IsActive:   true,
		QuotaBytes: quota,
	}).Error)
}
