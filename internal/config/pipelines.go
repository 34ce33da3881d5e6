package config

import "time"

// PipelinesConfig declares named pipelines callers can execute through the
// HTTP surface without constructing step lists themselves.
type PipelinesConfig struct {
	Pipelines []PipelineConfig `yaml:"pipelines"`
}

type PipelineConfig struct {
	Name  string       `yaml:"name"`
	Steps []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	Name      string        `yaml:"name"`
	Category  string        `yaml:"category"`
	MaxTokens int           `yaml:"max_tokens"`
	Priority  int           `yaml:"priority"`
	Timeout   time.Duration `yaml:"timeout"`
}
