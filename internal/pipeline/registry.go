package pipeline

import (
	"fmt"

	"github.com/timour/aiomessaging/internal/config"
	"github.com/timour/aiomessaging/internal/router"
)

// Registry resolves the dotted-path strings spec.md §6.3 allows in a YAML
// config into live Go callables. The source resolves these by importing a
// module path at runtime; Go has no equivalent, so deployments register
// their steps/generators/output-generators by name at startup instead
// (Design Notes §9 "avoid implicit import-time registration").
type Registry struct {
	steps      map[string]EventStep
	generators map[string]Generator
	outputGens map[string]router.GeneratorFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		steps:      map[string]EventStep{},
		generators: map[string]Generator{},
		outputGens: map[string]router.GeneratorFunc{},
	}
}

// RegisterStep adds a named event-pipeline step.
func (r *Registry) RegisterStep(name string, step EventStep) { r.steps[name] = step }

// RegisterGenerator adds a named message generator.
func (r *Registry) RegisterGenerator(name string, gen Generator) { r.generators[name] = gen }

// RegisterOutputGenerator adds a named output-pipeline generator function,
// for the config form `output: "some.dotted.path"`.
func (r *Registry) RegisterOutputGenerator(name string, gen router.GeneratorFunc) {
	r.outputGens[name] = gen
}

// BuildEventPipeline implements manager.EventPipelineBuilder.
func (r *Registry) BuildEventPipeline(eventType string, stepNames []string) (*EventPipeline, error) {
	steps := make([]EventStep, 0, len(stepNames))
	for _, name := range stepNames {
		step, ok := r.steps[name]
		if !ok {
			return nil, fmt.Errorf("pipeline: event type %q: unknown event step %q", eventType, name)
		}
		steps = append(steps, step)
	}
	return &EventPipeline{Steps: steps}, nil
}

// BuildGenerationPipeline implements manager.EventPipelineBuilder.
func (r *Registry) BuildGenerationPipeline(eventType string, generatorNames []string) (*GenerationPipeline, error) {
	gens := make([]Generator, 0, len(generatorNames))
	for _, name := range generatorNames {
		gen, ok := r.generators[name]
		if !ok {
			return nil, fmt.Errorf("pipeline: event type %q: unknown generator %q", eventType, name)
		}
		gens = append(gens, gen)
	}
	return &GenerationPipeline{Generators: gens}, nil
}

// BuildOutputSpec implements manager.EventPipelineBuilder, translating the
// config-level tagged variant into the router's.
func (r *Registry) BuildOutputSpec(eventType string, spec config.OutputSpec) (router.OutputSpec, error) {
	if len(spec.Backends) > 0 {
		return router.OutputSpec{Backends: spec.Backends}, nil
	}
	gen, ok := r.outputGens[spec.Generator]
	if !ok {
		return router.OutputSpec{}, fmt.Errorf("pipeline: event type %q: unknown output generator %q", eventType, spec.Generator)
	}
	return router.OutputSpec{Generator: gen}, nil
}
