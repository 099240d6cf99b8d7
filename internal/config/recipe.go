package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Recipe keys the control loop negotiates with the controller.
const (
	RecipeState     = "state"
	RecipeWatchdog  = "watchdog"
	RecipeSetpoints = "setp"
)

// Registers with a fixed meaning for the motion program.
const (
	StatusRegister   = "output_int_register_0"
	WatchdogRegister = "input_int_register_0"
	PoseField        = "actual_TCP_pose"
)

// SetpointRegisters are the six double slots of the optional setp recipe.
var SetpointRegisters = [6]string{
	"input_double_register_0",
	"input_double_register_1",
	"input_double_register_2",
	"input_double_register_3",
	"input_double_register_4",
	"input_double_register_5",
}

type RecipeField struct {
	Name string `xml:"name,attr" yaml:"name"`
	Type string `xml:"type,attr" yaml:"type"`
}

type Recipe struct {
	Key string `xml:"key,attr" yaml:"key"`
	// Frequency in Hz, output recipes only. Zero leaves the choice to the caller.
	Frequency float64       `xml:"frequency,attr,omitempty" yaml:"frequency,omitempty"`
	Fields    []RecipeField `xml:"field" yaml:"fields"`
}

// RecipeConfig is the RTDE recipe document, either the controller's XML
// format (<rtde_config><recipe key=..><field name= type=/>) or YAML.
type RecipeConfig struct {
	XMLName xml.Name `xml:"rtde_config" yaml:"-"`
	Recipes []Recipe `xml:"recipe" yaml:"recipes"`
}

func (r *Recipe) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

func (r *Recipe) Types() []string {
	types := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		types[i] = f.Type
	}
	return types
}

// Field looks up a field by register name.
func (r *Recipe) Field(name string) (RecipeField, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return RecipeField{}, false
}

// Recipe returns the recipe with the given key.
func (c *RecipeConfig) Recipe(key string) (*Recipe, bool) {
	for i := range c.Recipes {
		if c.Recipes[i].Key == key {
			return &c.Recipes[i], true
		}
	}
	return nil, false
}

// LoadRecipes reads a recipe document, picking the format by extension.
func LoadRecipes(path string) (*RecipeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe config: %w", err)
	}

	var rc RecipeConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rc); err != nil {
			return nil, fmt.Errorf("failed to parse recipe yaml: %w", err)
		}
	default:
		if err := xml.Unmarshal(data, &rc); err != nil {
			return nil, fmt.Errorf("failed to parse recipe xml: %w", err)
		}
	}

	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recipe config %s: %w", path, err)
	}

	return &rc, nil
}

// Validate enforces the registers the motion program depends on.
func (c *RecipeConfig) Validate() error {
	seen := make(map[string]bool)
	for _, r := range c.Recipes {
		if r.Key == "" {
			return fmt.Errorf("recipe without key")
		}
		if seen[r.Key] {
			return fmt.Errorf("duplicate recipe %q", r.Key)
		}
		seen[r.Key] = true
		if len(r.Fields) == 0 {
			return fmt.Errorf("recipe %q has no fields", r.Key)
		}
		if r.Frequency < 0 {
			return fmt.Errorf("recipe %q: negative frequency", r.Key)
		}
	}

	if err := c.requireField(RecipeState, StatusRegister, "INT32"); err != nil {
		return err
	}
	if err := c.requireField(RecipeWatchdog, WatchdogRegister, "INT32"); err != nil {
		return err
	}

	if setp, ok := c.Recipe(RecipeSetpoints); ok {
		if len(setp.Fields) != len(SetpointRegisters) {
			return fmt.Errorf("recipe %q must have exactly %d fields, has %d",
				RecipeSetpoints, len(SetpointRegisters), len(setp.Fields))
		}
		for i, f := range setp.Fields {
			if f.Name != SetpointRegisters[i] || f.Type != "DOUBLE" {
				return fmt.Errorf("recipe %q field %d: want %s DOUBLE, got %s %s",
					RecipeSetpoints, i, SetpointRegisters[i], f.Name, f.Type)
			}
		}
	}

	return nil
}

func (c *RecipeConfig) requireField(key, name, typ string) error {
	r, ok := c.Recipe(key)
	if !ok {
		return fmt.Errorf("missing recipe %q", key)
	}
	f, ok := r.Field(name)
	if !ok {
		return fmt.Errorf("recipe %q must contain %s", key, name)
	}
	if f.Type != typ {
		return fmt.Errorf("recipe %q: %s must be %s, got %s", key, name, typ, f.Type)
	}
	return nil
}
