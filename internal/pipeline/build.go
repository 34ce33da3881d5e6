package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/openberl/dispatch/internal/config"
	"github.com/openberl/dispatch/internal/envelope"
)

// BuildFromConfig constructs the named pipelines declared in the pipelines
// YAML file. Pipelines are returned keyed by name; a duplicate pipeline or
// step name fails the whole build.
func BuildFromConfig(cfg *config.PipelinesConfig, dispatcher Dispatcher, logger *slog.Logger) (map[string]*Pipeline, error) {
	out := make(map[string]*Pipeline, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		if pc.Name == "" {
			return nil, fmt.Errorf("pipeline config: name must not be empty")
		}
		if _, exists := out[pc.Name]; exists {
			return nil, fmt.Errorf("pipeline config: duplicate pipeline %q", pc.Name)
		}

		p := New(pc.Name, dispatcher, logger)
		for _, sc := range pc.Steps {
			var opts []StepOption
			if sc.MaxTokens > 0 {
				opts = append(opts, WithMaxTokens(sc.MaxTokens))
			}
			if sc.Priority > 0 {
				opts = append(opts, WithPriority(sc.Priority))
			}
			if sc.Timeout > 0 {
				opts = append(opts, WithTimeout(sc.Timeout))
			}
			if err := p.AddStep(sc.Name, envelope.TaskCategory(sc.Category), opts...); err != nil {
				return nil, err
			}
		}
		if p.Len() == 0 {
			return nil, fmt.Errorf("pipeline %q declares no steps", pc.Name)
		}
		out[pc.Name] = p
	}
	return out, nil
}
