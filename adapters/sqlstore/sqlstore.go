package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/refine"
	internal_logger "github.com/luno/refine/internal/logger"
)

const defaultRetention = 10

// SQLStore is a CheckpointStore on database/sql. The queries only use portable SQL so that the same store runs on
// MySQL and SQLite; see SQLiteSchema and MySQLSchema for the tables it expects.
type SQLStore struct {
	writer *sql.DB
	reader *sql.DB

	checkpointTable string
	backupTable     string

	clock     clock.Clock
	retention int
	logger    refine.Logger
}

func New(writer *sql.DB, reader *sql.DB, checkpointTable, backupTable string, opts ...Option) *SQLStore {
	opt := options{
		clock:     clock.RealClock{},
		retention: defaultRetention,
		logger:    internal_logger.New(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return &SQLStore{
		writer:          writer,
		reader:          reader,
		checkpointTable: checkpointTable,
		backupTable:     backupTable,
		clock:           opt.clock,
		retention:       opt.retention,
		logger:          opt.logger,
	}
}

type options struct {
	clock     clock.Clock
	retention int
	logger    refine.Logger
}

type Option func(o *options)

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithRetention sets how many backups are kept per workflow.
func WithRetention(n int) Option {
	return func(o *options) {
		o.retention = n
	}
}

func WithLogger(l refine.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

var _ refine.CheckpointStore = (*SQLStore)(nil)

// Save replaces the checkpoint row and, when backup is set, inserts a backup row and prunes old ones, all in
// one transaction.
func (s *SQLStore) Save(ctx context.Context, state *refine.WorkflowState, backup bool) error {
	err := refine.ValidateWorkflowID(state.ID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	b, err := refine.MarshalCheckpoint(state, now)
	if err != nil {
		return err
	}

	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, "delete from "+s.checkpointTable+" where id=?", state.ID)
	if err != nil {
		return errors.Wrap(err, "delete checkpoint", j.MKV{"workflow_id": state.ID})
	}

	_, err = tx.ExecContext(ctx, "insert into "+s.checkpointTable+" (id, status, iteration, data, updated_at) values (?, ?, ?, ?, ?)",
		state.ID, state.Status.String(), state.CurrentIteration, b, now.UnixMicro())
	if err != nil {
		return errors.Wrap(err, "insert checkpoint", j.MKV{"workflow_id": state.ID})
	}

	if backup {
		err = s.insertBackup(ctx, tx, state, b, now)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) insertBackup(ctx context.Context, tx *sql.Tx, state *refine.WorkflowState, b []byte, now time.Time) error {
	stamp := now.UnixMicro()

	var latest sql.NullInt64
	err := tx.QueryRowContext(ctx, "select max(stamp) from "+s.backupTable+" where workflow_id=?", state.ID).Scan(&latest)
	if err != nil {
		return errors.Wrap(err, "latest backup", j.MKV{"workflow_id": state.ID})
	}

	if latest.Valid && stamp <= latest.Int64 {
		stamp = latest.Int64 + 1
	}

	_, err = tx.ExecContext(ctx, "insert into "+s.backupTable+" (workflow_id, stamp, iteration, data) values (?, ?, ?, ?)",
		state.ID, stamp, state.CurrentIteration, b)
	if err != nil {
		return errors.Wrap(err, "insert backup", j.MKV{"workflow_id": state.ID})
	}

	if s.retention <= 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx, "select stamp from "+s.backupTable+" where workflow_id=? order by stamp desc", state.ID)
	if err != nil {
		return errors.Wrap(err, "list backups", j.MKV{"workflow_id": state.ID})
	}

	var stamps []int64
	for rows.Next() {
		var st int64
		err := rows.Scan(&st)
		if err != nil {
			rows.Close()
			return err
		}

		stamps = append(stamps, st)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	if len(stamps) <= s.retention {
		return nil
	}

	// stamps is newest first so the oldest stamp to keep is at the retention boundary.
	_, err = tx.ExecContext(ctx, "delete from "+s.backupTable+" where workflow_id=? and stamp<?", state.ID, stamps[s.retention-1])
	if err != nil {
		return errors.Wrap(err, "prune backups", j.MKV{"workflow_id": state.ID})
	}

	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*refine.WorkflowState, error) {
	var data []byte
	err := s.reader.QueryRowContext(ctx, "select data from "+s.checkpointTable+" where id=?", id).Scan(&data)
	primaryMissing := errors.Is(err, sql.ErrNoRows)
	if err != nil && !primaryMissing {
		return nil, errors.Wrap(err, "load checkpoint", j.MKV{"workflow_id": id})
	}

	if !primaryMissing {
		state, _, err := refine.UnmarshalCheckpoint(data)
		if err == nil {
			return state, nil
		}

		s.logger.Error(ctx, errors.Wrap(err, "primary checkpoint unreadable, trying backups", j.MKV{"workflow_id": id}))
	}

	rows, err := s.reader.QueryContext(ctx, "select stamp, data from "+s.backupTable+" where workflow_id=? order by stamp desc", id)
	if err != nil {
		return nil, errors.Wrap(err, "load backups", j.MKV{"workflow_id": id})
	}
	defer rows.Close()

	var found bool
	for rows.Next() {
		found = true

		var stamp int64
		var b []byte
		err := rows.Scan(&stamp, &b)
		if err != nil {
			return nil, err
		}

		state, _, err := refine.UnmarshalCheckpoint(b)
		if err != nil {
			continue
		}

		if !primaryMissing {
			s.logger.Error(ctx, errors.Wrap(refine.ErrCheckpointCorrupt, "recovered from backup", j.MKV{
				"workflow_id": id,
				"stamp":       stamp,
			}))
		}

		return state, nil
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if primaryMissing && !found {
		return nil, errors.Wrap(refine.ErrCheckpointNotFound, "", j.MKV{"workflow_id": id})
	}

	return nil, errors.Wrap(refine.ErrCheckpointCorrupt, "", j.MKV{"workflow_id": id})
}

func (s *SQLStore) ListBackups(ctx context.Context, id string) ([]refine.BackupInfo, error) {
	rows, err := s.reader.QueryContext(ctx, "select stamp, iteration, length(data) from "+s.backupTable+" where workflow_id=? order by stamp desc", id)
	if err != nil {
		return nil, errors.Wrap(err, "list backups", j.MKV{"workflow_id": id})
	}
	defer rows.Close()

	infos := []refine.BackupInfo{}
	for rows.Next() {
		var stamp, size int64
		var iteration int
		err := rows.Scan(&stamp, &iteration, &size)
		if err != nil {
			return nil, err
		}

		ts := time.UnixMicro(stamp).UTC()
		infos = append(infos, refine.BackupInfo{
			WorkflowID: id,
			Name:       id + "@" + ts.Format(time.RFC3339Nano),
			Timestamp:  ts,
			Size:       size,
			Iteration:  iteration,
		})
	}

	return infos, rows.Err()
}

func (s *SQLStore) List(ctx context.Context) ([]refine.Summary, error) {
	rows, err := s.reader.QueryContext(ctx, "select id, data from "+s.checkpointTable+" order by id")
	if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}
	defer rows.Close()

	var list []refine.Summary
	for rows.Next() {
		var id string
		var b []byte
		err := rows.Scan(&id, &b)
		if err != nil {
			return nil, err
		}

		state, _, err := refine.UnmarshalCheckpoint(b)
		if err != nil {
			s.logger.Error(ctx, errors.Wrap(err, "skipping unreadable checkpoint", j.MKV{"workflow_id": id}))
			continue
		}

		list = append(list, state.Summary())
	}

	return list, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "delete from "+s.checkpointTable+" where id=?", id)
	if err != nil {
		return errors.Wrap(err, "delete checkpoint", j.MKV{"workflow_id": id})
	}

	checkpoints, err := res.RowsAffected()
	if err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx, "delete from "+s.backupTable+" where workflow_id=?", id)
	if err != nil {
		return errors.Wrap(err, "delete backups", j.MKV{"workflow_id": id})
	}

	backups, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if checkpoints == 0 && backups == 0 {
		return errors.Wrap(refine.ErrCheckpointNotFound, "", j.MKV{"workflow_id": id})
	}

	return tx.Commit()
}

// Corrupt overwrites the stored checkpoint data of id. It exists for tests of backup fallback.
func (s *SQLStore) Corrupt(ctx context.Context, id string, data []byte) error {
	_, err := s.writer.ExecContext(ctx, "update "+s.checkpointTable+" set data=? where id=?", data, id)
	return err
}
