package sqlstore_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/corverroos/truss"
	_ "github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
	"github.com/luno/refine/adapters/adaptertest"
	"github.com/luno/refine/adapters/sqlstore"
)

func TestSQLiteStore(t *testing.T) {
	adaptertest.RunCheckpointStoreTest(t, func(t *testing.T) refine.CheckpointStore {
		db := connectSQLiteForTesting(t)
		return sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable)
	})
}

// TestMySQLStore runs against the MySQL instance truss connects to. It is skipped unless REFINE_MYSQL_TESTS is
// set.
func TestMySQLStore(t *testing.T) {
	if os.Getenv("REFINE_MYSQL_TESTS") == "" {
		t.Skip("REFINE_MYSQL_TESTS not set")
	}

	adaptertest.RunCheckpointStoreTest(t, func(t *testing.T) refine.CheckpointStore {
		db := truss.ConnectForTesting(t, sqlstore.MySQLSchema...)
		return sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable)
	})
}

func TestLoadFallsBackToBackup(t *testing.T) {
	ctx := context.Background()
	db := connectSQLiteForTesting(t)
	store := sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable)

	state := adaptertest.NewState(t, 2)
	err := store.Save(ctx, state, true)
	jtest.RequireNil(t, err)

	err = store.Corrupt(ctx, state.ID, []byte("not a checkpoint"))
	jtest.RequireNil(t, err)

	loaded, err := store.Load(ctx, state.ID)
	jtest.RequireNil(t, err)
	require.Equal(t, state, loaded)
}

func TestLoadCorruptWithoutBackup(t *testing.T) {
	ctx := context.Background()
	db := connectSQLiteForTesting(t)
	store := sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable)

	state := adaptertest.NewState(t, 1)
	err := store.Save(ctx, state, false)
	jtest.RequireNil(t, err)

	err = store.Corrupt(ctx, state.ID, []byte("{}"))
	jtest.RequireNil(t, err)

	_, err = store.Load(ctx, state.ID)
	jtest.Require(t, refine.ErrCheckpointCorrupt, err)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	db := connectSQLiteForTesting(t)
	store := sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable, sqlstore.WithRetention(3))

	state := adaptertest.NewState(t, 0)
	for i := 0; i < 6; i++ {
		adaptertest.AppendIteration(state, 50)
		jtest.RequireNil(t, store.Save(ctx, state, true))
	}

	backups, err := store.ListBackups(ctx, state.ID)
	jtest.RequireNil(t, err)
	require.Len(t, backups, 3)
	require.Equal(t, 6, backups[0].Iteration)
	require.Equal(t, 4, backups[2].Iteration)
}

func connectSQLiteForTesting(t *testing.T) *sql.DB {
	db, err := sqlstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "refine.db"))
	jtest.RequireNil(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}
