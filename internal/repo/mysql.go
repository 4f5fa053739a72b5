package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"CloudVault/config"
	"CloudVault/model"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	gormMysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// AutoMigrate migrates every persisted model.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.QuotaReservation{},
		&model.Folder{},
		&model.FileRecord{},
		&model.ShareLink{},
	)
}

func mysqlDSN(cfg *config.Config, dbName string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.DBUser,
		cfg.DBPass,
		cfg.DBHost,
		cfg.DBPort,
		dbName,
	)
}

// NewMysql opens the main MySQL connection and migrates the schema.
func NewMysql(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(gormMysql.Open(mysqlDSN(cfg, cfg.DBName)), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("init mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("init mysql success", zap.String("db", cfg.DBName))
	return db, nil
}

// NewMysqlTest opens the integration-test database, creating it when missing.
func NewMysqlTest(cfg *config.Config) (*gorm.DB, error) {
	dsn := mysqlDSN(cfg, cfg.DBNameTest)
	db, err := gorm.Open(gormMysql.Open(dsn), &gorm.Config{})
	if err != nil && isUnknownDatabaseError(err) {
		if createErr := ensureMySQLDatabase(cfg, cfg.DBNameTest); createErr != nil {
			return nil, fmt.Errorf("create test database: %w", createErr)
		}
		db, err = gorm.Open(gormMysql.Open(dsn), &gorm.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("init mysql: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func isUnknownDatabaseError(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1049
	}
	return strings.Contains(strings.ToLower(err.Error()), "unknown database")
}

func ensureMySQLDatabase(cfg *config.Config, dbName string) error {
	dbName = strings.TrimSpace(dbName)
	if dbName == "" {
		return errors.New("empty database name")
	}

	serverDB, err := sql.Open("mysql", mysqlDSN(cfg, ""))
	if err != nil {
		return err
	}
	defer serverDB.Close()

	if err = serverDB.Ping(); err != nil {
		return err
	}

	_, err = serverDB.Exec(
		"CREATE DATABASE IF NOT EXISTS " + quoteMySQLIdentifier(dbName) + " CHARACTER SET utf8mb4 COLLATE utf8mb4_general_ci",
	)
	return err
}

func quoteMySQLIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
