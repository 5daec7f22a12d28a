package main

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/refine"
)

const (
	envPrefix = "REFINE_"

	storeFile   = "file"
	storeSQLite = "sqlite"
	storeMySQL  = "mysql"

	// maxConfigSize bounds the YAML file so a wrong path cannot exhaust memory.
	maxConfigSize = 1 << 20
)

// fileConfig is everything the command line tool can be configured with. Values come from the YAML file, then
// REFINE_* environment variables, then flags.
type fileConfig struct {
	// Workflow is decoded with the json tags of refine.Config.
	Workflow refine.Config `koanf:"-"`

	Store    storeConfig    `koanf:"store"`
	Events   eventsConfig   `koanf:"events"`
	Pipeline pipelineConfig `koanf:"pipeline"`
	Debug    bool           `koanf:"debug"`
}

type storeConfig struct {
	Kind      string `koanf:"kind"`
	Dir       string `koanf:"dir"`
	Path      string `koanf:"path"`
	DSN       string `koanf:"dsn"`
	Retention int    `koanf:"retention"`
}

type eventsConfig struct {
	KafkaBrokers []string `koanf:"kafka_brokers"`
	KafkaTopic   string   `koanf:"kafka_topic"`
}

type pipelineConfig struct {
	Name        string       `koanf:"name"`
	MaxParallel int          `koanf:"max_parallel"`
	Steps       []stepConfig `koanf:"steps"`
}

// stepConfig is either a single stage or, when Group is set, a parallel group of scoring stages. A stage without
// a command names a stage registered with the command.
type stepConfig struct {
	Name       string            `koanf:"name"`
	Command    string            `koanf:"command"`
	Args       []string          `koanf:"args"`
	Dir        string            `koanf:"dir"`
	Env        map[string]string `koanf:"env"`
	Timeout    time.Duration     `koanf:"timeout"`
	MaxRetries *int              `koanf:"max_retries"`
	ScoreOnly  bool              `koanf:"score_only"`

	Group  string       `koanf:"group"`
	Stages []stepConfig `koanf:"stages"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Workflow: refine.DefaultConfig(),
		Store: storeConfig{
			Kind:      storeFile,
			Dir:       ".refine",
			Path:      "refine.db",
			Retention: 10,
		},
		Events: eventsConfig{
			KafkaTopic: "refine-events",
		},
		Pipeline: pipelineConfig{
			Name:        "refine",
			MaxParallel: 4,
		},
	}
}

// loadConfig reads the optional YAML file at path and the REFINE_* environment. Errors wrap
// refine.ErrInvalidConfig.
func loadConfig(path string) (fileConfig, error) {
	k := koanf.New(".")

	if path != "" {
		b, err := readConfigFile(path)
		if err != nil {
			return fileConfig{}, err
		}

		err = k.Load(rawbytes.Provider(b), yaml.Parser())
		if err != nil {
			return fileConfig{}, errors.Wrap(refine.ErrInvalidConfig, err.Error(), j.MKV{"path": path})
		}
	}

	err := k.Load(env.ProviderWithValue(envPrefix, ".", envKeyValue), nil)
	if err != nil {
		return fileConfig{}, errors.Wrap(refine.ErrInvalidConfig, err.Error())
	}

	cfg := defaultFileConfig()

	const levelKey = "workflow.aggression_start"
	if k.Exists(levelKey) {
		l, err := refine.ParseLevel(k.String(levelKey))
		if err != nil {
			return fileConfig{}, errors.Wrap(refine.ErrInvalidConfig, err.Error())
		}

		cfg.Workflow.AggressionStart = l
		k.Delete(levelKey)
	}

	err = k.UnmarshalWithConf("workflow", &cfg.Workflow, koanf.UnmarshalConf{Tag: "json"})
	if err != nil {
		return fileConfig{}, errors.Wrap(refine.ErrInvalidConfig, err.Error(), j.MKV{"section": "workflow"})
	}

	err = k.Unmarshal("", &cfg)
	if err != nil {
		return fileConfig{}, errors.Wrap(refine.ErrInvalidConfig, err.Error())
	}

	cfg.captureStageOverrides()

	return cfg, nil
}

// stages returns every configured stage in pipeline order, the stages of parallel groups included.
func (c fileConfig) stages() []stepConfig {
	var stages []stepConfig
	for _, step := range c.Pipeline.Steps {
		if step.Group != "" {
			stages = append(stages, step.Stages...)
			continue
		}

		stages = append(stages, step)
	}

	return stages
}

// captureStageOverrides copies the timeout and max_retries of each stage into the workflow Config so that they
// are checkpointed with the workflow. Entries already in stage_timeouts or stage_max_retries win.
func (c *fileConfig) captureStageOverrides() {
	for _, s := range c.stages() {
		if s.Name == "" {
			continue
		}

		if _, ok := c.Workflow.StageTimeouts[s.Name]; !ok && s.Timeout > 0 {
			if c.Workflow.StageTimeouts == nil {
				c.Workflow.StageTimeouts = make(map[string]time.Duration)
			}

			c.Workflow.StageTimeouts[s.Name] = s.Timeout
		}

		if _, ok := c.Workflow.StageMaxRetries[s.Name]; !ok && s.MaxRetries != nil {
			if c.Workflow.StageMaxRetries == nil {
				c.Workflow.StageMaxRetries = make(map[string]int)
			}

			c.Workflow.StageMaxRetries[s.Name] = *s.MaxRetries
		}
	}
}

func readConfigFile(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(refine.ErrInvalidConfig, err.Error(), j.MKV{"path": path})
	}

	if fi.Size() > maxConfigSize {
		return nil, errors.Wrap(refine.ErrInvalidConfig, "config file too large", j.MKV{
			"path": path,
			"size": fi.Size(),
		})
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(refine.ErrInvalidConfig, err.Error(), j.MKV{"path": path})
	}

	return b, nil
}

// envKeyValue maps REFINE_SECTION_FIELD_NAME to section.field_name. Comma separated broker lists become
// slices.
func envKeyValue(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 1 {
		return key, value
	}

	key = parts[0] + "." + parts[1]
	if key == "events.kafka_brokers" {
		return key, strings.Split(value, ",")
	}

	return key, value
}

// validate checks the parts of the configuration the library cannot.
func (c fileConfig) validate() error {
	if len(c.Pipeline.Steps) == 0 {
		return errors.Wrap(refine.ErrInvalidConfig, "pipeline has no steps")
	}

	if c.Pipeline.MaxParallel < 1 {
		return errors.Wrap(refine.ErrInvalidConfig, "max_parallel must be at least 1")
	}

	for _, step := range c.Pipeline.Steps {
		if step.Group != "" && len(step.Stages) == 0 {
			return errors.Wrap(refine.ErrInvalidConfig, "parallel group has no stages", j.MKV{"group": step.Group})
		}
	}

	names := make(map[string]bool)
	for _, s := range c.stages() {
		if s.Name == "" {
			return errors.Wrap(refine.ErrInvalidConfig, "stage needs a name", j.MKV{"command": s.Command})
		}

		if names[s.Name] {
			return errors.Wrap(refine.ErrInvalidConfig, "duplicate stage name", j.MKV{"stage": s.Name})
		}

		names[s.Name] = true
	}

	switch c.Store.Kind {
	case storeFile, storeSQLite:
	case storeMySQL:
		if c.Store.DSN == "" {
			return errors.Wrap(refine.ErrInvalidConfig, "mysql store needs a dsn")
		}
	default:
		return errors.Wrap(refine.ErrInvalidConfig, "unknown store kind", j.MKV{"kind": c.Store.Kind})
	}

	return c.Workflow.Validate()
}
