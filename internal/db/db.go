package db

import (
	"fmt"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Driver picks a dialect from the DSN shape:
//
//	postgres://... | postgresql://... | host=...   -> postgres
//	user:pass@tcp(host:3306)/db?...                -> mysql
//	anything else (file:pos.db, sqlite:pos.db)     -> sqlite
func Driver(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"), strings.HasPrefix(d, "host="):
		return DriverPostgres
	case strings.Contains(d, "@tcp("), strings.Contains(d, "@unix("):
		return DriverMySQL
	default:
		return DriverSQLite
	}
}

func Connect(dsn string) (*gorm.DB, error) {
	return ConnectWith(dsn, logger.Default.LogMode(logger.Warn))
}

func ConnectWith(dsn string, lg logger.Interface) (*gorm.DB, error) {
	var dialector gorm.Dialector
	driver := Driver(dsn)
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		dialector = gormsqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: lg,
		// unique violations surface as gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		// sqlite has a single writer; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}
	return gdb, nil
}
