package repository

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/nimasrn/mass-mailer/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

// SetupTestDB opens a private in-memory SQLite database with the full schema.
// A single connection keeps every goroutine of a test on the same database.
func SetupTestDB(t testing.TB) *pg.DB {
	db := openTestDB(t)
	return pg.New(db, db)
}

// SetupStaleReplicaDB pairs a primary with a replica that never receives its
// writes, so any read that should have gone to the primary comes back stale.
func SetupStaleReplicaDB(t testing.TB) *pg.DB {
	return pg.New(openTestDB(t), openTestDB(t))
}

func openTestDB(t testing.TB) *gorm.DB {
	dsn := fmt.Sprintf("file:mailer_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), pg.Options())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(&CampaignEntity{}, &RecipientEntity{}, &TemplateEntity{})
	require.NoError(t, err)
	return db
}
