package db

import (
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestDecodeSecretKey(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")

	key, err := decodeSecretKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = decodeSecretKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = decodeSecretKey(string(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestDecodeSecretKeyRejectsBadInput(t *testing.T) {
	_, err := decodeSecretKey("")
	require.Error(t, err)

	_, err = decodeSecretKey("too short")
	require.Error(t, err)

	// Valid base64, but of the wrong decoded length.
	_, err = decodeSecretKey(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

func TestSQLiteDSNDefaults(t *testing.T) {
	dsn := sqliteDSN("")
	assert.True(t, strings.HasPrefix(dsn, defaultSQLitePath+"?"))
	assert.Contains(t, dsn, "busy_timeout")
	assert.Contains(t, dsn, "journal_mode(WAL)")
	assert.Contains(t, dsn, "foreign_keys(1)")

	dsn = sqliteDSN("/var/lib/forgesync/data.db")
	assert.True(t, strings.HasPrefix(dsn, "/var/lib/forgesync/data.db?"))
	assert.Contains(t, dsn, "busy_timeout")
}

func TestSQLiteDSNKeepsExplicitParams(t *testing.T) {
	in := "data.db?_pragma=journal_mode(DELETE)"
	assert.Equal(t, in, sqliteDSN(in))
}

func TestNewRejectsUnsupportedDriver(t *testing.T) {
	_, err := New(Options{
		Driver:    "mysql",
		SecretKey: strings.Repeat("k", 32),
		Logger:    zap.NewNop(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestNewRequiresSecretKey(t *testing.T) {
	_, err := New(Options{Driver: "sqlite", Logger: zap.NewNop()})
	require.Error(t, err)
}

func TestGormLoggerDefaultsToWarn(t *testing.T) {
	l, ok := newGormLogger(zap.NewNop(), 0).(*gormZapLogger)
	require.True(t, ok)
	assert.Equal(t, gormlogger.Warn, l.level)

	scoped, ok := l.LogMode(gormlogger.Info).(*gormZapLogger)
	require.True(t, ok)
	assert.Equal(t, gormlogger.Info, scoped.level)
	assert.Equal(t, gormlogger.Warn, l.level)
}

func TestTruncateQuery(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateQuery(short))

	long := strings.Repeat("x", maxLoggedQueryLen+50)
	got := truncateQuery(long)
	assert.Len(t, got, maxLoggedQueryLen+3)
	assert.True(t, strings.HasSuffix(got, "..."))
}
