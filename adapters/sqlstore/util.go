package sqlstore

import (
	"context"
	"database/sql"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	_ "modernc.org/sqlite"
)

// SQLiteSchema creates the default tables on SQLite.
var SQLiteSchema = []string{
	`create table if not exists refine_checkpoints (
		id          text not null primary key,
		status      text not null,
		iteration   integer not null,
		data        blob not null,
		updated_at  integer not null
	)`,
	`create table if not exists refine_backups (
		workflow_id text not null,
		stamp       integer not null,
		iteration   integer not null,
		data        blob not null,

		primary key (workflow_id, stamp)
	)`,
}

// MySQLSchema creates the default tables on MySQL.
var MySQLSchema = []string{
	`create table if not exists refine_checkpoints (
		id          varchar(128) not null,
		status      varchar(32) not null,
		iteration   int not null,
		data        longblob not null,
		updated_at  bigint not null,

		primary key (id)
	)`,
	`create table if not exists refine_backups (
		workflow_id varchar(128) not null,
		stamp       bigint not null,
		iteration   int not null,
		data        longblob not null,

		primary key (workflow_id, stamp)
	)`,
}

const (
	DefaultCheckpointTable = "refine_checkpoints"
	DefaultBackupTable     = "refine_backups"
)

// Migrate executes the schema statements.
func Migrate(ctx context.Context, db *sql.DB, schema []string) error {
	for _, stmt := range schema {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return errors.Wrap(err, "migrate", j.MKV{"statement": stmt})
		}
	}

	return nil
}

// OpenSQLite opens a SQLite database tuned for a single writer and creates the default tables.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database", j.MKV{"path": path})
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		_, err := db.ExecContext(ctx, pragma)
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set pragma", j.MKV{"pragma": pragma})
		}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = Migrate(ctx, db, SQLiteSchema)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
