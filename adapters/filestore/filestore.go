package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/refine"
	internal_logger "github.com/luno/refine/internal/logger"
)

const (
	defaultRetention = 10
	backupDir        = "backups"
	extension        = ".json"
	// stampLayout has microsecond resolution so that backups written within the same second never collide.
	stampLayout = "20060102_150405.000000"
)

// New returns a CheckpointStore that keeps one JSON file per workflow in dir and timestamped backups in
// dir/backups. The directories are created on first use.
func New(dir string, opts ...Option) *Store {
	opt := options{
		clock:     clock.RealClock{},
		retention: defaultRetention,
		logger:    internal_logger.New(),
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		dir:       dir,
		clock:     opt.clock,
		retention: opt.retention,
		logger:    opt.logger,
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

// WithLogger sets the logger that reports falling back to a backup.
func WithLogger(l refine.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

type Store struct {
	dir       string
	clock     clock.Clock
	retention int
	logger    refine.Logger
}

var _ refine.CheckpointStore = (*Store)(nil)

func (s *Store) Save(ctx context.Context, state *refine.WorkflowState, backup bool) error {
	err := refine.ValidateWorkflowID(state.ID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	b, err := refine.MarshalCheckpoint(state, now)
	if err != nil {
		return err
	}

	err = writeAtomic(s.dir, s.primaryPath(state.ID), b)
	if err != nil {
		return errors.Wrap(err, "write checkpoint", j.MKV{"workflow_id": state.ID})
	}

	if !backup {
		return nil
	}

	return s.writeBackup(state.ID, now, b)
}

func (s *Store) writeBackup(id string, now time.Time, b []byte) error {
	dir := filepath.Join(s.dir, backupDir)
	existing, err := s.backups(id)
	if err != nil {
		return err
	}

	stamp := now.Truncate(time.Microsecond)
	if n := len(existing); n > 0 && !stamp.After(existing[n-1].stamp) {
		stamp = existing[n-1].stamp.Add(time.Microsecond)
	}

	path := filepath.Join(dir, backupName(id, stamp))
	for fileExists(path) {
		stamp = stamp.Add(time.Microsecond)
		path = filepath.Join(dir, backupName(id, stamp))
	}

	err = writeAtomic(dir, path, b)
	if err != nil {
		return errors.Wrap(err, "write backup", j.MKV{"workflow_id": id})
	}

	existing = append(existing, backupFile{path: path, stamp: stamp})
	if s.retention <= 0 || len(existing) <= s.retention {
		return nil
	}

	for _, old := range existing[:len(existing)-s.retention] {
		err := os.Remove(old.path)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "prune backup", j.MKV{"workflow_id": id, "path": old.path})
		}
	}

	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*refine.WorkflowState, error) {
	err := refine.ValidateWorkflowID(id)
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(s.primaryPath(id))
	primaryMissing := os.IsNotExist(err)
	if err != nil && !primaryMissing {
		return nil, errors.Wrap(err, "read checkpoint", j.MKV{"workflow_id": id})
	}

	if !primaryMissing {
		state, _, err := refine.UnmarshalCheckpoint(b)
		if err == nil {
			return state, nil
		}

		s.logger.Error(ctx, errors.Wrap(err, "primary checkpoint unreadable, trying backups", j.MKV{"workflow_id": id}))
	}

	backups, err := s.backups(id)
	if err != nil {
		return nil, err
	}

	for i := len(backups) - 1; i >= 0; i-- {
		b, err := os.ReadFile(backups[i].path)
		if err != nil {
			continue
		}

		state, _, err := refine.UnmarshalCheckpoint(b)
		if err != nil {
			s.logger.Error(ctx, errors.Wrap(err, "backup unreadable", j.MKV{"path": backups[i].path}))
			continue
		}

		if !primaryMissing || i < len(backups)-1 {
			s.logger.Error(ctx, errors.Wrap(refine.ErrCheckpointCorrupt, "recovered from backup", j.MKV{
				"workflow_id": id,
				"backup":      filepath.Base(backups[i].path),
			}))
		}

		return state, nil
	}

	if primaryMissing && len(backups) == 0 {
		return nil, errors.Wrap(refine.ErrCheckpointNotFound, "", j.MKV{"workflow_id": id})
	}

	return nil, errors.Wrap(refine.ErrCheckpointCorrupt, "", j.MKV{"workflow_id": id})
}

func (s *Store) ListBackups(ctx context.Context, id string) ([]refine.BackupInfo, error) {
	err := refine.ValidateWorkflowID(id)
	if err != nil {
		return nil, err
	}

	backups, err := s.backups(id)
	if err != nil {
		return nil, err
	}

	infos := make([]refine.BackupInfo, 0, len(backups))
	for i := len(backups) - 1; i >= 0; i-- {
		info := refine.BackupInfo{
			WorkflowID: id,
			Name:       filepath.Base(backups[i].path),
			Timestamp:  backups[i].stamp,
		}

		fi, err := os.Stat(backups[i].path)
		if err == nil {
			info.Size = fi.Size()
		}

		b, err := os.ReadFile(backups[i].path)
		if err == nil {
			if state, _, err := refine.UnmarshalCheckpoint(b); err == nil {
				info.Iteration = state.CurrentIteration
			}
		}

		infos = append(infos, info)
	}

	return infos, nil
}

func (s *Store) List(ctx context.Context) ([]refine.Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "list checkpoints")
	}

	var list []refine.Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, extension) {
			continue
		}

		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}

		state, _, err := refine.UnmarshalCheckpoint(b)
		if err != nil {
			s.logger.Error(ctx, errors.Wrap(err, "skipping unreadable checkpoint", j.MKV{"file": name}))
			continue
		}

		list = append(list, state.Summary())
	}

	return list, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	err := refine.ValidateWorkflowID(id)
	if err != nil {
		return err
	}

	backups, err := s.backups(id)
	if err != nil {
		return err
	}

	err = os.Remove(s.primaryPath(id))
	if os.IsNotExist(err) && len(backups) == 0 {
		return errors.Wrap(refine.ErrCheckpointNotFound, "", j.MKV{"workflow_id": id})
	} else if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete checkpoint", j.MKV{"workflow_id": id})
	}

	for _, b := range backups {
		err := os.Remove(b.path)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "delete backup", j.MKV{"workflow_id": id})
		}
	}

	return nil
}

func (s *Store) primaryPath(id string) string {
	return filepath.Join(s.dir, id+extension)
}

type backupFile struct {
	path  string
	stamp time.Time
}

// backups returns the backup files of id, oldest first.
func (s *Store) backups(id string) ([]backupFile, error) {
	dir := filepath.Join(s.dir, backupDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "list backups", j.MKV{"workflow_id": id})
	}

	var files []backupFile
	for _, e := range entries {
		stamp, ok := parseBackupName(id, e.Name())
		if !ok {
			continue
		}

		files = append(files, backupFile{path: filepath.Join(dir, e.Name()), stamp: stamp})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].stamp.Before(files[j].stamp)
	})

	return files, nil
}

func backupName(id string, stamp time.Time) string {
	return id + "_" + stamp.UTC().Format(stampLayout) + extension
}

func parseBackupName(id, name string) (time.Time, bool) {
	prefix := id + "_"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, extension) {
		return time.Time{}, false
	}

	raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix), extension)
	if len(raw) != len(stampLayout) {
		return time.Time{}, false
	}

	stamp, err := time.Parse(stampLayout, raw)
	if err != nil {
		return time.Time{}, false
	}

	return stamp, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// writeAtomic writes b to a temporary file in dir, syncs it and renames it over path.
func writeAtomic(dir, path string, b []byte) error {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return err
	}

	tmp := f.Name()
	defer os.Remove(tmp)

	_, err = f.Write(b)
	if err != nil {
		f.Close()
		return err
	}

	err = f.Sync()
	if err != nil {
		f.Close()
		return err
	}

	err = f.Close()
	if err != nil {
		return err
	}

	err = os.Rename(tmp, path)
	if err != nil {
		return err
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	// Not every platform supports syncing a directory.
	_ = d.Sync()
	return nil
}
