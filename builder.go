package refine

import (
	"k8s.io/utils/clock"

	"github.com/luno/refine/internal/errorcounter"
	internal_logger "github.com/luno/refine/internal/logger"
)

func NewBuilder(name string) *Builder {
	return &Builder{
		orchestrator: &Orchestrator{
			name:      name,
			clock:     clock.RealClock{},
			gate:      NewQualityGateEvaluator(),
			publisher: noopPublisher{},
			sections:  HeadingDetector{},
			hooks:     make(map[Status][]StatusHookFunc),
			failures:  errorcounter.New(),
		},
		names: make(map[string]bool),
	}
}

// Builder assembles the static pipeline definition that every iteration runs through.
type Builder struct {
	orchestrator *Orchestrator
	names        map[string]bool
}

// AddStage appends a sequential stage. Sequential stages run strictly in the order they were added and each
// receives the document as mutated by the stages before it.
func (b *Builder) AddStage(s Stage, opts ...StageOption) {
	so := defaultStageOptions()
	for _, opt := range opts {
		opt(&so)
	}

	b.register(s.Name())
	b.orchestrator.steps = append(b.orchestrator.steps, pipelineStep{
		stages: []pipelineStage{{stage: s, opts: so}},
	})
}

// AddParallelGroup appends a group of scoring stages that run concurrently over the same input. Their output
// text is ignored and their scores are merged in the order given here. If any stage of the group fails after
// retries the whole group fails.
func (b *Builder) AddParallelGroup(name string, stages ...Stage) {
	if len(stages) == 0 {
		panic("parallel group " + name + " has no stages")
	}

	step := pipelineStep{group: name}
	for _, s := range stages {
		b.register(s.Name())

		so := defaultStageOptions()
		so.scoreOnly = true
		step.stages = append(step.stages, pipelineStage{stage: s, opts: so})
	}

	b.orchestrator.steps = append(b.orchestrator.steps, step)
}

func (b *Builder) register(name string) {
	if b.names[name] {
		panic("stage names need to be unique: " + name)
	}

	b.names[name] = true
}

// OnStatus registers a hook that runs once when a workflow reaches the given terminal status.
func (b *Builder) OnStatus(s Status, fn StatusHookFunc) {
	if !s.Terminal() {
		panic("hooks can only be registered for terminal statuses")
	}

	b.orchestrator.hooks[s] = append(b.orchestrator.hooks[s], fn)
}

func (b *Builder) Build(store CheckpointStore, opts ...BuildOption) *Orchestrator {
	if len(b.orchestrator.steps) == 0 {
		panic("pipeline " + b.orchestrator.name + " has no stages")
	}

	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	o := b.orchestrator
	o.store = store

	if bo.clock != nil {
		o.clock = bo.clock
	}

	var inner Logger = internal_logger.New()
	if bo.logger != nil {
		inner = bo.logger
	}

	o.logger = &logger{
		debugMode: bo.debugMode,
		inner:     inner,
	}

	if bo.publisher != nil {
		o.publisher = bo.publisher
	}

	if bo.operator != nil {
		o.operator = bo.operator
		o.injection = NewInjectionPointManager(bo.injectionOpts...)
		o.sections = o.injection.detector
	}

	o.maxParallel = bo.maxParallel
	o.retry = newRetryExecutor(o.name, o.clock, o.logger)

	return o
}

type buildOptions struct {
	clock         clock.Clock
	debugMode     bool
	logger        Logger
	publisher     EventPublisher
	operator      Operator
	injectionOpts []InjectionOption
	maxParallel   int
}

type BuildOption func(bo *buildOptions)

func WithClock(c clock.Clock) BuildOption {
	return func(bo *buildOptions) {
		bo.clock = c
	}
}

func WithDebugMode() BuildOption {
	return func(bo *buildOptions) {
		bo.debugMode = true
	}
}

// WithLogger replaces the default jettison backed logger.
func WithLogger(l Logger) BuildOption {
	return func(bo *buildOptions) {
		bo.logger = l
	}
}

func WithEventPublisher(p EventPublisher) BuildOption {
	return func(bo *buildOptions) {
		bo.publisher = p
	}
}

// WithInjection enables injection pauses answered by op. Pauses only happen on the iterations listed in
// Config.InjectionIterations of workflows with Config.InjectionEnabled set.
func WithInjection(op Operator, opts ...InjectionOption) BuildOption {
	return func(bo *buildOptions) {
		bo.operator = op
		bo.injectionOpts = opts
	}
}

// WithMaxParallel caps the number of stages of a parallel group that run at once. The default is the size of
// the group.
func WithMaxParallel(n int) BuildOption {
	return func(bo *buildOptions) {
		bo.maxParallel = n
	}
}
