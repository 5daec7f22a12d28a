package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/refine"
)

const defaultRetention = 10

// New returns an in-memory CheckpointStore. Checkpoints are kept in their encoded form so that a Load returns
// an independent copy, exactly as a durable store would.
func New(opts ...Option) *Store {
	opt := options{
		clock:     clock.RealClock{},
		retention: defaultRetention,
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		clock:       opt.clock,
		retention:   opt.retention,
		checkpoints: make(map[string][]byte),
		backups:     make(map[string][]backup),
	}
}

type options struct {
	clock     clock.Clock
	retention int
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

type backup struct {
	stamp     time.Time
	iteration int
	data      []byte
}

type Store struct {
	clock     clock.Clock
	retention int

	mu          sync.Mutex
	checkpoints map[string][]byte
	backups     map[string][]backup
}

var _ refine.CheckpointStore = (*Store)(nil)

func (s *Store) Save(ctx context.Context, state *refine.WorkflowState, withBackup bool) error {
	err := refine.ValidateWorkflowID(state.ID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	b, err := refine.MarshalCheckpoint(state, now)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[state.ID] = b
	if !withBackup {
		return nil
	}

	stamp := now.Truncate(time.Microsecond)
	list := s.backups[state.ID]
	if n := len(list); n > 0 && !stamp.After(list[n-1].stamp) {
		stamp = list[n-1].stamp.Add(time.Microsecond)
	}

	list = append(list, backup{stamp: stamp, iteration: state.CurrentIteration, data: b})
	if s.retention > 0 && len(list) > s.retention {
		list = list[len(list)-s.retention:]
	}

	s.backups[state.ID] = list
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*refine.WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.checkpoints[id]
	if ok {
		state, _, err := refine.UnmarshalCheckpoint(b)
		if err == nil {
			return state, nil
		}
	}

	list := s.backups[id]
	for i := len(list) - 1; i >= 0; i-- {
		state, _, err := refine.UnmarshalCheckpoint(list[i].data)
		if err == nil {
			return state, nil
		}
	}

	if !ok && len(list) == 0 {
		return nil, errors.Wrap(refine.ErrCheckpointNotFound, "", j.MKV{"workflow_id": id})
	}

	return nil, errors.Wrap(refine.ErrCheckpointCorrupt, "", j.MKV{"workflow_id": id})
}

func (s *Store) ListBackups(ctx context.Context, id string) ([]refine.BackupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.backups[id]
	infos := make([]refine.BackupInfo, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		infos = append(infos, refine.BackupInfo{
			WorkflowID: id,
			Name:       id + "@" + list[i].stamp.Format(time.RFC3339Nano),
			Timestamp:  list[i].stamp,
			Size:       int64(len(list[i].data)),
			Iteration:  list[i].iteration,
		})
	}

	return infos, nil
}

func (s *Store) List(ctx context.Context) ([]refine.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []refine.Summary
	for _, b := range s.checkpoints {
		state, _, err := refine.UnmarshalCheckpoint(b)
		if err != nil {
			continue
		}

		list = append(list, state.Summary())
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].WorkflowID < list[j].WorkflowID
	})

	return list, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, hasCheckpoint := s.checkpoints[id]
	_, hasBackups := s.backups[id]
	if !hasCheckpoint && !hasBackups {
		return errors.Wrap(refine.ErrCheckpointNotFound, "", j.MKV{"workflow_id": id})
	}

	delete(s.checkpoints, id)
	delete(s.backups, id)
	return nil
}

// Corrupt overwrites the primary checkpoint of id with data for tests of backup fallback.
func (s *Store) Corrupt(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[id] = data
}
