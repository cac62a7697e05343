package migration

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := Versions()
	require.NoError(t, err)
	require.NotEmpty(t, ups)

	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		_, err := embeddedMigrations.ReadFile(down)
		assert.NoError(t, err, "missing down migration for %s", up)
	}
}

func TestEmbeddedMigrationsCarryIdempotencyIndexes(t *testing.T) {
	var all strings.Builder
	ups, err := Versions()
	require.NoError(t, err)
	for _, up := range ups {
		content, err := embeddedMigrations.ReadFile(up)
		require.NoError(t, err)
		all.Write(content)
	}

	sql := all.String()
	assert.Contains(t, sql, "ux_credit_transactions_idempotency")
	assert.Contains(t, sql, "ON credit_transactions (user_id, reference_id, reason)")
	assert.Contains(t, sql, "ux_payment_events_provider_event_id")
	assert.Contains(t, sql, "CHECK (current_balance >= 0)")
}

func TestApplySQLiteBuildsSchema(t *testing.T) {
	dsn := fmt.Sprintf("file:migration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Apply(db))
	require.NoError(t, Apply(db))

	for _, table := range []string{"accounts", "credit_transactions", "usage_windows", "charge_failures", "charge_completions", "payment_events", "audit_logs"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex("credit_transactions", "ux_credit_transactions_idempotency"))
}
