package data

import (
	"fmt"
	"time"

	"Atelier/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewMySQLClient creates a new GORM MySQL client.
// An empty DSN disables history archival and returns a nil client; the
// archiver treats a nil client as a no-op sink.
func NewMySQLClient(c *conf.Data, l log.Logger) (*gorm.DB, func(), error) {
	helper := log.NewHelper(l)

	if c.Database == nil || c.Database.Source == "" {
		helper.Info("database DSN not configured, job history archival disabled")
		return nil, func() {}, nil
	}

	gormLogger := logger.New(
		&gormLogAdapter{helper: helper},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(mysql.Open(c.Database.Source), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		helper.Errorf("failed to connect to MySQL: %v", err)
		return nil, nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		helper.Errorf("failed to get sql.DB: %v", err)
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		helper.Errorf("failed to ping MySQL: %v", err)
		return nil, nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	helper.Info("MySQL connection established successfully")

	cleanup := func() {
		helper.Info("closing MySQL connection")
		if err := sqlDB.Close(); err != nil {
			helper.Errorf("failed to close MySQL: %v", err)
		}
	}

	return db, cleanup, nil
}

// gormLogAdapter adapts Kratos log.Helper to GORM logger interface.
type gormLogAdapter struct {
	helper *log.Helper
}

// Printf implements gorm/logger.Writer interface.
func (g *gormLogAdapter) Printf(format string, v ...interface{}) {
	g.helper.Infof(format, v...)
}
