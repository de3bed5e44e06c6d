package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriver(t *testing.T) {
	cases := []struct {
		dsn  string
		want string
	}{
		{"postgres://app:pw@localhost:5432/pos", DriverPostgres},
		{"postgresql://app@localhost/pos", DriverPostgres},
		{"host=localhost user=app dbname=pos sslmode=disable", DriverPostgres},
		{"app:apppass@tcp(127.0.0.1:3306)/pos?charset=utf8mb4&parseTime=true", DriverMySQL},
		{"file:pos.db?_pragma=busy_timeout(5000)", DriverSQLite},
		{"sqlite:pos.db", DriverSQLite},
		{"", DriverSQLite},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Driver(tc.dsn), "dsn %q", tc.dsn)
	}
}

func TestConnect_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db")

	gdb, err := Connect("sqlite:" + path)
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	require.NoError(t, sqlDB.Ping())
}
