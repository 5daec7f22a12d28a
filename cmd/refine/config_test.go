package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0o644)
	jtest.RequireNil(t, err)

	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "refine.yaml", `
workflow:
  target_score: 15
  max_iterations: 5
  aggression_start: aggressive
  stage_timeout: 90s
  stage_timeouts:
    paraphraser: 2m
  quality_minimums:
    similarity: 0.8
store:
  kind: sqlite
  path: /tmp/refine.db
  retention: 4
pipeline:
  name: humanize
  steps:
    - name: paraphraser
      command: python3
      args: [paraphrase.py, --fast]
      timeout: 45s
      max_retries: 1
    - group: scoring
      stages:
        - name: detector
          command: ./detect
          timeout: 1s
          max_retries: 0
        - name: similarity
          command: ./similarity
`)

	t.Setenv("REFINE_WORKFLOW_MAX_ITERATIONS", "9")
	t.Setenv("REFINE_EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REFINE_DEBUG", "true")

	cfg, err := loadConfig(path)
	jtest.RequireNil(t, err)

	require.Equal(t, 15.0, cfg.Workflow.TargetScore)
	require.Equal(t, 9, cfg.Workflow.MaxIterations)
	require.Equal(t, refine.LevelAggressive, cfg.Workflow.AggressionStart)
	require.Equal(t, 90*time.Second, cfg.Workflow.StageTimeout)
	require.Equal(t, 2*time.Minute, cfg.Workflow.StageTimeouts["paraphraser"])
	require.Equal(t, 0.8, cfg.Workflow.QualityMinimums["similarity"])
	require.Equal(t, refine.DefaultConfig().StagnationWindow, cfg.Workflow.StagnationWindow)
	require.True(t, cfg.Debug)

	require.Equal(t, storeConfig{Kind: storeSQLite, Dir: ".refine", Path: "/tmp/refine.db", Retention: 4}, cfg.Store)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	require.Equal(t, "refine-events", cfg.Events.KafkaTopic)

	require.Equal(t, "humanize", cfg.Pipeline.Name)
	require.Equal(t, 4, cfg.Pipeline.MaxParallel)
	require.Len(t, cfg.Pipeline.Steps, 2)

	first := cfg.Pipeline.Steps[0]
	require.Equal(t, "paraphraser", first.Name)
	require.Equal(t, []string{"paraphrase.py", "--fast"}, first.Args)
	require.Equal(t, 45*time.Second, first.Timeout)
	require.NotNil(t, first.MaxRetries)
	require.Equal(t, 1, *first.MaxRetries)

	group := cfg.Pipeline.Steps[1]
	require.Equal(t, "scoring", group.Group)
	require.Len(t, group.Stages, 2)
	require.Equal(t, "similarity", group.Stages[1].Name)

	jtest.RequireNil(t, cfg.validate())

	// stage_timeouts wins over the step's own timeout.
	require.Equal(t, map[string]time.Duration{
		"paraphraser": 2 * time.Minute,
		"detector":    time.Second,
	}, cfg.Workflow.StageTimeouts)
	require.Equal(t, map[string]int{"paraphraser": 1, "detector": 0}, cfg.Workflow.StageMaxRetries)
}

func TestStageOverridesAreCapturedInState(t *testing.T) {
	path := writeFile(t, t.TempDir(), "refine.yaml", `
pipeline:
  steps:
    - name: rewrite
      command: ./rewrite
      timeout: 5s
      max_retries: 0
    - group: scoring
      stages:
        - name: detector
          command: ./detect
          timeout: 1s
`)

	cfg, err := loadConfig(path)
	jtest.RequireNil(t, err)

	state, err := refine.NewWorkflowState("Draft.", cfg.Workflow, nil)
	jtest.RequireNil(t, err)

	b, err := refine.MarshalCheckpoint(state, time.Now())
	jtest.RequireNil(t, err)

	loaded, _, err := refine.UnmarshalCheckpoint(b)
	jtest.RequireNil(t, err)
	require.Equal(t, map[string]time.Duration{"rewrite": 5 * time.Second, "detector": time.Second}, loaded.Config.StageTimeouts)
	require.Equal(t, map[string]int{"rewrite": 0}, loaded.Config.StageMaxRetries)
	require.Equal(t, refine.DefaultConfig().MaxRetries, loaded.Config.MaxRetries)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	jtest.RequireNil(t, err)
	require.Equal(t, defaultFileConfig(), cfg)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "missing.yaml")},
		{name: "bad yaml", path: writeFile(t, dir, "bad.yaml", "workflow: [unclosed")},
		{name: "bad level", path: writeFile(t, dir, "level.yaml", "workflow:\n  aggression_start: furious\n")},
		{name: "bad number", path: writeFile(t, dir, "number.yaml", "workflow:\n  max_iterations: lots\n")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(tc.path)
			jtest.Require(t, refine.ErrInvalidConfig, err)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() fileConfig {
		cfg := defaultFileConfig()
		cfg.Pipeline.Steps = []stepConfig{{Name: "rewrite", Command: "./rewrite"}}
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(c *fileConfig)
		valid  bool
	}{
		{name: "valid", mutate: func(c *fileConfig) {}, valid: true},
		{name: "no steps", mutate: func(c *fileConfig) { c.Pipeline.Steps = nil }},
		{name: "registered stage", mutate: func(c *fileConfig) { c.Pipeline.Steps[0].Command = "" }, valid: true},
		{name: "no name", mutate: func(c *fileConfig) { c.Pipeline.Steps[0].Name = "" }},
		{name: "duplicate", mutate: func(c *fileConfig) {
			c.Pipeline.Steps = append(c.Pipeline.Steps, stepConfig{Group: "g", Stages: []stepConfig{{Name: "rewrite", Command: "x"}}})
		}},
		{name: "empty group", mutate: func(c *fileConfig) {
			c.Pipeline.Steps = append(c.Pipeline.Steps, stepConfig{Group: "g"})
		}},
		{name: "unknown store", mutate: func(c *fileConfig) { c.Store.Kind = "s3" }},
		{name: "mysql without dsn", mutate: func(c *fileConfig) { c.Store.Kind = storeMySQL }},
		{name: "bad workflow config", mutate: func(c *fileConfig) { c.Workflow.MaxIterations = 0 }},
		{name: "no parallelism", mutate: func(c *fileConfig) { c.Pipeline.MaxParallel = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)

			err := cfg.validate()
			if tc.valid {
				jtest.RequireNil(t, err)
				return
			}

			jtest.Require(t, refine.ErrInvalidConfig, err)
		})
	}
}
