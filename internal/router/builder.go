package router

import (
	"fmt"

	"github.com/timour/aiomessaging/internal/effect"
	"github.com/timour/aiomessaging/internal/message"
	"github.com/timour/aiomessaging/internal/output"
)

// Builder is the default EffectBuilder: it builds a SendEffect over bare
// output-backend names (no constructor args, the "list of backend class
// names" sugar form in spec.md §4.2), and reconstructs an effect from a
// Route's stored name/args for routes that originated on another worker.
type Builder struct {
	Effects *effect.Registry
}

// BuildSend constructs a fresh SendEffect over backendNames, each with no
// constructor args/kwargs.
func (b *Builder) BuildSend(backendNames []string) (effect.Effect, error) {
	outputs := b.Effects.Outputs()
	resolved := make([]output.Backend, 0, len(backendNames))
	for _, name := range backendNames {
		backend, err := outputs.Build(name, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("router: build output %q: %w", name, err)
		}
		resolved = append(resolved, backend)
	}
	return effect.NewSendEffect(resolved...), nil
}

// BuildFromRoute reconstructs the effect a Route refers to, using the
// effect registry's generic Build path keyed by the route's stored name and
// serialized args.
func (b *Builder) BuildFromRoute(r *message.Route) (effect.Effect, error) {
	return b.Effects.Build(r.EffectName, r.EffectArgs)
}
