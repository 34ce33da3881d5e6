package config

import "time"

// AdaptersConfig declares the adapters to register. Order matters: it is the
// registration order, which is the router's tie-break when several adapters
// declare the same task category.
type AdaptersConfig struct {
	Adapters []AdapterConfig `yaml:"adapters"`
}

type AdapterConfig struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	BaseURL       string            `yaml:"base_url"`
	APIKey        string            `yaml:"api_key"`
	Model         string            `yaml:"model"`
	Capabilities  []string          `yaml:"capabilities"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers,omitempty"`

	// Per-token pricing used for cost estimation.
	CostPerPromptToken     float64 `yaml:"cost_per_prompt_token"`
	CostPerCompletionToken float64 `yaml:"cost_per_completion_token"`
}
