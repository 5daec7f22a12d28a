package main

import (
	"context"
	"database/sql"
	"io"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/refine"
	"github.com/luno/refine/adapters/execstage"
	"github.com/luno/refine/adapters/filestore"
	"github.com/luno/refine/adapters/kafkaevents"
	"github.com/luno/refine/adapters/sqlstore"
	"github.com/luno/refine/adapters/termoperator"
)

// openStore returns the configured CheckpointStore and a func releasing its resources.
func openStore(ctx context.Context, c storeConfig) (refine.CheckpointStore, func() error, error) {
	noop := func() error { return nil }

	switch c.Kind {
	case storeFile:
		return filestore.New(c.Dir, filestore.WithRetention(c.Retention)), noop, nil
	case storeSQLite:
		db, err := sqlstore.OpenSQLite(ctx, c.Path)
		if err != nil {
			return nil, nil, err
		}

		store := sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable,
			sqlstore.WithRetention(c.Retention))
		return store, db.Close, nil
	case storeMySQL:
		db, err := openMySQL(ctx, c.DSN)
		if err != nil {
			return nil, nil, err
		}

		store := sqlstore.New(db, db, sqlstore.DefaultCheckpointTable, sqlstore.DefaultBackupTable,
			sqlstore.WithRetention(c.Retention))
		return store, db.Close, nil
	default:
		return nil, nil, errors.Wrap(refine.ErrInvalidConfig, "unknown store kind", j.MKV{"kind": c.Kind})
	}
}

func openMySQL(ctx context.Context, dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(refine.ErrInvalidConfig, err.Error())
	}

	// Backup stamps and checkpoint times are stored as integers so no time parsing is needed.
	cfg.ParseTime = false

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "mysql connector")
	}

	db := sql.OpenDB(connector)

	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping mysql", j.MKV{"addr": cfg.Addr})
	}

	err = sqlstore.Migrate(ctx, db, sqlstore.MySQLSchema)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

type pipelineDeps struct {
	store     refine.CheckpointStore
	publisher refine.EventPublisher
	operator  refine.Operator
	// stages holds the in-process stages that steps without a command refer to.
	stages *refine.Registry
	debug  bool
}

// buildOrchestrator assembles the configured pipeline. Steps with a command run as external processes, the
// others are looked up in deps.stages. Per stage timeouts and retries travel in the workflow Config.
func buildOrchestrator(cfg fileConfig, deps pipelineDeps) (*refine.Orchestrator, error) {
	pipeline := refine.NewRegistry()
	for _, s := range cfg.stages() {
		stage, err := resolveStage(s, deps.stages)
		if err != nil {
			return nil, err
		}

		err = pipeline.Register(stage)
		if err != nil {
			return nil, errors.Wrap(refine.ErrInvalidConfig, err.Error(), j.MKV{"stage": s.Name})
		}
	}

	lookup := func(name string) refine.Stage {
		s, _ := pipeline.Lookup(name)
		return s
	}

	b := refine.NewBuilder(cfg.Pipeline.Name)

	for _, step := range cfg.Pipeline.Steps {
		if step.Group != "" {
			stages := make([]refine.Stage, 0, len(step.Stages))
			for _, s := range step.Stages {
				stages = append(stages, lookup(s.Name))
			}

			b.AddParallelGroup(step.Group, stages...)
			continue
		}

		var opts []refine.StageOption
		if step.ScoreOnly {
			opts = append(opts, refine.ScoreOnly())
		}

		b.AddStage(lookup(step.Name), opts...)
	}

	opts := []refine.BuildOption{
		refine.WithMaxParallel(cfg.Pipeline.MaxParallel),
	}

	if deps.debug {
		opts = append(opts, refine.WithDebugMode())
	}

	if deps.publisher != nil {
		opts = append(opts, refine.WithEventPublisher(deps.publisher))
	}

	if deps.operator != nil {
		opts = append(opts, refine.WithInjection(deps.operator))
	}

	return b.Build(deps.store, opts...), nil
}

func resolveStage(s stepConfig, known *refine.Registry) (refine.Stage, error) {
	if s.Command != "" {
		return newExecStage(s), nil
	}

	var names []string
	if known != nil {
		stage, ok := known.Lookup(s.Name)
		if ok {
			return stage, nil
		}

		names = known.Names()
	}

	return nil, errors.Wrap(refine.ErrInvalidConfig, "stage has no command and is not registered", j.MKV{
		"stage":      s.Name,
		"registered": strings.Join(names, ","),
	})
}

func newExecStage(s stepConfig) refine.Stage {
	var opts []execstage.Option
	if s.Dir != "" {
		opts = append(opts, execstage.WithDir(s.Dir))
	}

	if len(s.Env) > 0 {
		opts = append(opts, execstage.WithEnv(s.Env))
	}

	return execstage.New(s.Name, s.Command, s.Args, opts...)
}

// newPublisher returns the Kafka publisher when brokers are configured.
func newPublisher(c eventsConfig) (refine.EventPublisher, func() error) {
	if len(c.KafkaBrokers) == 0 {
		return nil, func() error { return nil }
	}

	p := kafkaevents.New(c.KafkaBrokers, c.KafkaTopic)
	return p, p.Close
}

func newOperator(in io.Reader, out io.Writer, accessible bool) refine.Operator {
	opts := []termoperator.Option{
		termoperator.WithInput(in),
		termoperator.WithOutput(out),
	}

	if accessible {
		opts = append(opts, termoperator.WithAccessible())
	}

	return termoperator.New(opts...)
}
