package refine

import (
	"context"
	"sort"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Stage is an opaque unit of text transformation or scoring. Implementations should honour ctx, but the
// orchestrator enforces the configured timeout regardless.
type Stage interface {
	Name() string
	Execute(ctx context.Context, req Request) (Response, error)
}

// Request is the envelope every stage receives.
type Request struct {
	Text           string        `json:"text"`
	SectionContext []Section     `json:"section_context"`
	PriorScores    ScoreSet      `json:"prior_scores"`
	Config         RequestConfig `json:"config"`
}

// RequestConfig carries the per-iteration settings a stage may adapt to.
type RequestConfig struct {
	WorkflowID      string            `json:"workflow_id"`
	Iteration       int               `json:"iteration"`
	AggressionLevel Level             `json:"aggression_level"`
	Aggression      string            `json:"aggression"`
	Params          map[string]string `json:"params,omitempty"`
}

type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseError   ResponseStatus = "error"
)

// Response is the envelope every stage returns. Any status other than ResponseSuccess is a stage failure.
type Response struct {
	Status   ResponseStatus   `json:"status"`
	Data     ResponseData     `json:"data"`
	Error    string           `json:"error,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}

type ResponseData struct {
	OutputText string   `json:"output_text"`
	Scores     ScoreSet `json:"scores"`
}

type ResponseMetadata struct {
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	TokenUsage       TokenUsage `json:"token_usage"`
}

// Success builds a successful Response.
func Success(text string, scores ScoreSet) Response {
	return Response{
		Status: ResponseSuccess,
		Data: ResponseData{
			OutputText: text,
			Scores:     scores,
		},
	}
}

// StageFunc adapts a function to a Stage.
type StageFunc func(ctx context.Context, req Request) (Response, error)

type funcStage struct {
	name string
	fn   StageFunc
}

func (s funcStage) Name() string {
	return s.name
}

func (s funcStage) Execute(ctx context.Context, req Request) (Response, error) {
	return s.fn(ctx, req)
}

// NewStage returns a Stage with the given name backed by fn.
func NewStage(name string, fn StageFunc) Stage {
	return funcStage{name: name, fn: fn}
}

var ErrStageRegistered = errors.New("stage already registered", j.C("ERR_64e1a9c3f0b7d285"))

// Registry maps stage names to implementations so pipelines can be assembled from configuration.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
}

func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

func (r *Registry) Register(s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stages[s.Name()]; ok {
		return errors.Wrap(ErrStageRegistered, "", j.MKV{"stage": s.Name()})
	}

	r.stages[s.Name()] = s
	return nil
}

func (r *Registry) Lookup(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.stages[name]
	return s, ok
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
