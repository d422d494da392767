// Package infra は外部サービス（DB・キーストア・トレーシング）との接続を提供する。
package infra

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"key-custody-service/config"
)

// NewDB はgormによるデータベース接続を初期化する。
// otelEnabled が真の場合、クエリごとにスパンを記録する。
func NewDB(driver, dsn string, otelEnabled bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case config.DatabaseDriverMySQL:
		dialector = mysql.Open(dsn)
	case config.DatabaseDriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if otelEnabled {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 接続プール設定。SQLiteは単一接続に制限する
	if driver == config.DatabaseDriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}
