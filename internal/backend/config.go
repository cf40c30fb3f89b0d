package backend

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/luufmg/esdm/internal/model"
)

// Config is the opaque configuration handed to a backend constructor.
// Options carries variant-specific settings decoded by the backend itself.
type Config struct {
	Type       string         `yaml:"type" json:"type"`
	Name       string         `yaml:"name" json:"name"`
	Target     string         `yaml:"target" json:"target"`
	Category   model.Category `yaml:"category" json:"category"`
	ThreadSafe bool           `yaml:"thread_safe" json:"thread_safe"`
	Options    map[string]any `yaml:"options" json:"options,omitempty"`
}

// Validate checks the fields every backend relies on.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: backend name is required", model.ErrConfig)
	}
	if _, err := model.ParseCategory(string(c.Category)); err != nil {
		return fmt.Errorf("backend %q: %w", c.Name, err)
	}
	return nil
}

// DecodeOptions decodes c.Options into out. Unknown keys are rejected so
// that typos in configuration files surface at startup.
func (c Config) DecodeOptions(out any) error {
	if len(c.Options) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("%w: backend %q: %v", model.ErrConfig, c.Name, err)
	}
	if err := decoder.Decode(c.Options); err != nil {
		return fmt.Errorf("%w: backend %q options: %v", model.ErrConfig, c.Name, err)
	}
	return nil
}
