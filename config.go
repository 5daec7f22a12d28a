package refine

import (
	stderrors "errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// FatalPolicy decides what happens after a stage exhausts its retries.
type FatalPolicy string

const (
	// FatalPolicyRetryEscalated retries the whole iteration once at the next aggression level and aborts if the
	// retry also fails.
	FatalPolicyRetryEscalated FatalPolicy = "retry-escalated"
	// FatalPolicyAbort aborts the workflow on the first fatal stage failure.
	FatalPolicyAbort FatalPolicy = "abort"
)

const (
	defaultTargetScore         = 20.0
	defaultMaxIterations       = 7
	defaultStagnationEpsilon   = 2.0
	defaultStagnationWindow    = 2
	defaultEscalationThreshold = 5.0
	defaultAnomalyThreshold    = 10.0
	defaultMaxRetries          = 3
	defaultRetryBaseDelay      = 2 * time.Second
	defaultStageTimeout        = 60 * time.Second
	defaultMaxInjectionPoints  = 5
	defaultHighRiskThreshold   = 70.0
)

// Config is the immutable threshold snapshot captured into a WorkflowState at creation. A resumed workflow
// always runs with the Config it was created with.
type Config struct {
	// TargetScore is the primary score at or below which the workflow succeeds.
	TargetScore   float64 `json:"target_score" validate:"gte=0"`
	MaxIterations int     `json:"max_iterations" validate:"gte=1,lte=1000"`

	StagnationEpsilon float64 `json:"stagnation_epsilon" validate:"gte=0"`
	StagnationWindow  int     `json:"stagnation_window" validate:"gte=1"`

	EscalationThreshold float64 `json:"escalation_threshold" validate:"gte=0"`
	AggressionStart     Level   `json:"aggression_start" validate:"gte=1,lte=5"`

	// AnomalyThreshold is the rise in primary score between two iterations that is recorded as a warning.
	AnomalyThreshold float64 `json:"anomaly_threshold" validate:"gte=0"`

	// QualityMinimums holds the lowest acceptable value of each secondary metric for success.
	QualityMinimums map[string]float64 `json:"quality_minimums"`
	// DegradeDeltas holds, per secondary metric, how far it may drop below its best seen value before the
	// workflow is stopped and reverted to the best iteration.
	DegradeDeltas map[string]float64 `json:"degrade_deltas" validate:"dive,gt=0"`

	FatalPolicy FatalPolicy `json:"fatal_policy" validate:"oneof=retry-escalated abort"`

	MaxRetries int `json:"max_retries" validate:"gte=0,lte=10"`
	// StageMaxRetries overrides MaxRetries for individual stages by name.
	StageMaxRetries map[string]int `json:"stage_max_retries" validate:"dive,gte=0,lte=10"`

	RetryBaseDelay time.Duration `json:"retry_base_delay" validate:"gte=0"`
	StageTimeout   time.Duration `json:"stage_timeout" validate:"gt=0"`
	// StageTimeouts overrides StageTimeout for individual stages by name.
	StageTimeouts map[string]time.Duration `json:"stage_timeouts" validate:"dive,gt=0"`

	InjectionEnabled    bool    `json:"injection_enabled"`
	InjectionIterations []int   `json:"injection_iterations" validate:"dive,gte=1"`
	MaxInjectionPoints  int     `json:"max_injection_points" validate:"gte=1"`
	HighRiskThreshold   float64 `json:"high_risk_threshold" validate:"gte=0"`
	// InjectionTimeout bounds an injection pause. Zero waits for the operator indefinitely.
	InjectionTimeout time.Duration `json:"injection_timeout" validate:"gte=0"`
}

// DefaultConfig returns a Config populated with the default thresholds.
func DefaultConfig() Config {
	return Config{
		TargetScore:         defaultTargetScore,
		MaxIterations:       defaultMaxIterations,
		StagnationEpsilon:   defaultStagnationEpsilon,
		StagnationWindow:    defaultStagnationWindow,
		EscalationThreshold: defaultEscalationThreshold,
		AggressionStart:     LevelModerate,
		AnomalyThreshold:    defaultAnomalyThreshold,
		FatalPolicy:         FatalPolicyRetryEscalated,
		MaxRetries:          defaultMaxRetries,
		RetryBaseDelay:      defaultRetryBaseDelay,
		StageTimeout:        defaultStageTimeout,
		MaxInjectionPoints:  defaultMaxInjectionPoints,
		HighRiskThreshold:   defaultHighRiskThreshold,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the Config and returns an error wrapping ErrInvalidConfig when it cannot be used.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err != nil {
		var fields []string
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fe.Namespace()+":"+fe.Tag())
			}
		}

		return errors.Wrap(ErrInvalidConfig, err.Error(), j.MKV{"fields": fields})
	}

	for _, it := range c.InjectionIterations {
		if it > c.MaxIterations {
			return errors.Wrap(ErrInvalidConfig, "injection iteration beyond max iterations", j.MKV{
				"iteration":      it,
				"max_iterations": c.MaxIterations,
			})
		}
	}

	if _, ok := c.QualityMinimums[PrimaryScore]; ok {
		return errors.Wrap(ErrInvalidConfig, "quality minimums apply to secondary metrics only", j.MKV{
			"metric": PrimaryScore,
		})
	}

	if _, ok := c.DegradeDeltas[PrimaryScore]; ok {
		return errors.Wrap(ErrInvalidConfig, "degrade deltas apply to secondary metrics only", j.MKV{
			"metric": PrimaryScore,
		})
	}

	return nil
}

// timeoutFor returns the timeout for the named stage, falling back to def and then to StageTimeout.
func (c Config) timeoutFor(stage string, def time.Duration) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}

	if def > 0 {
		return def
	}

	return c.StageTimeout
}

// retriesFor returns the retries for the named stage, falling back to def when it is not negative and then to
// MaxRetries.
func (c Config) retriesFor(stage string, def int) int {
	if n, ok := c.StageMaxRetries[stage]; ok {
		return n
	}

	if def >= 0 {
		return def
	}

	return c.MaxRetries
}

func (c Config) injectionDue(iteration int) bool {
	if !c.InjectionEnabled {
		return false
	}

	for _, it := range c.InjectionIterations {
		if it == iteration {
			return true
		}
	}

	return false
}

func (c Config) meta() map[string]string {
	return map[string]string{
		"target_score":   strconv.FormatFloat(c.TargetScore, 'f', -1, 64),
		"max_iterations": strconv.Itoa(c.MaxIterations),
		"fatal_policy":   string(c.FatalPolicy),
	}
}
