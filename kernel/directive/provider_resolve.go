package directive

import (
	"fmt"

	"github.com/leolilley/ryeos-kernel/kernel/config"
	"github.com/leolilley/ryeos-kernel/kernel/provider"
)

// modelEntry is one row of the cascade-merged "models" config: maps a
// tier name (e.g. "general", "fast", "reasoning") to a concrete model id
// and the provider that serves it.
type modelEntry struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
}

// modelsConfig is the shape of .ai/config/models.yaml.
type modelsConfig struct {
	Tiers map[string]modelEntry `yaml:"tiers"`
}

// ResolveProvider turns a directive's model reference into a concrete
// model id and loaded provider schema. There is no directly retrieved
// reference implementation for this resolution step (the original's
// provider_resolver.py is referenced by name but was not present in the
// retrieved corpus), so this is new code; it is grounded on reusing two
// existing mechanisms rather than inventing a parser of its own:
// config.Loader's cascade (for models.yaml, mapping a tier name to a
// model+provider pair) and provider.Schema's existing yaml tags (a
// provider config file unmarshals directly into Schema via
// Loader.Load, with no extra translation step).
func ResolveProvider(loader *config.Loader, ref ModelRef) (model string, schema provider.Schema, err error) {
	name := ref.Name()

	// An explicit model id (not a tier name) requires an explicit
	// provider hint, since there is no tiers table to look one up from.
	if ref.ID != "" {
		if ref.Provider == "" {
			return "", provider.Schema{}, fmt.Errorf("directive: model %q has no provider hint and is not a tier", ref.ID)
		}
		if err := loader.Load("providers/"+ref.Provider, &schema); err != nil {
			return "", provider.Schema{}, fmt.Errorf("directive: load provider %q: %w", ref.Provider, err)
		}
		return ref.ID, schema, nil
	}

	var models modelsConfig
	if err := loader.Load("models", &models); err != nil {
		return "", provider.Schema{}, fmt.Errorf("directive: load models config: %w", err)
	}
	entry, ok := models.Tiers[name]
	if !ok {
		return "", provider.Schema{}, fmt.Errorf("directive: unknown model tier %q", name)
	}

	providerID := entry.Provider
	if ref.Provider != "" {
		providerID = ref.Provider
	}
	if providerID == "" {
		return "", provider.Schema{}, fmt.Errorf("directive: tier %q has no provider configured", name)
	}

	if err := loader.Load("providers/"+providerID, &schema); err != nil {
		return "", provider.Schema{}, fmt.Errorf("directive: load provider %q: %w", providerID, err)
	}
	return entry.Model, schema, nil
}
