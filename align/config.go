package align

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// SearchConfig holds the correspondence-search thresholds from the config
// file. Pointer fields are optional: nil leaves the predicate disabled.
// Angles are configured in degrees for readability.
type SearchConfig struct {
	MinDistance            *float64  `yaml:"minDistance,omitempty" json:"minDistance,omitempty"`
	MaxDistance            *float64  `yaml:"maxDistance,omitempty" json:"maxDistance,omitempty"`
	MaxNormalAngleDeg      *float64  `yaml:"maxNormalAngleDeg,omitempty" json:"maxNormalAngleDeg,omitempty"`
	MaxDescriptorDistances []float64 `yaml:"maxDescriptorDistances,omitempty" json:"maxDescriptorDistances,omitempty"`
	MinSalience            *float64  `yaml:"minSalience,omitempty" json:"minSalience,omitempty"`
	MinDistinction         *float64  `yaml:"minDistinction,omitempty" json:"minDistinction,omitempty"`
	DiscardBoundaries      bool      `yaml:"discardBoundaries,omitempty" json:"discardBoundaries,omitempty"`
	OppositeFacingNormals  bool      `yaml:"oppositeFacingNormals,omitempty" json:"oppositeFacingNormals,omitempty"`
}

// Filter converts the config thresholds into a SearchFilter (degrees to
// radians for the normal-angle bound)
func (c SearchConfig) Filter() SearchFilter {
	f := SearchFilter{
		MinDistance:            c.MinDistance,
		MaxDistance:            c.MaxDistance,
		MaxDescriptorDistances: c.MaxDescriptorDistances,
		MinDistinction:         c.MinDistinction,
		MinSalience:            c.MinSalience,
		DiscardBoundaries:      c.DiscardBoundaries,
		OppositeFacingNormals:  c.OppositeFacingNormals,
	}
	if c.MaxNormalAngleDeg != nil {
		rad := *c.MaxNormalAngleDeg * math.Pi / 180
		f.MaxNormalAngle = &rad
	}
	return f
}

// PerturbConfig controls the optional randomized-restart perturbation
// applied to every shape before publishing.
type PerturbConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	TranslationMagnitude float64 `yaml:"translationMagnitude" json:"translationMagnitude"`
	RotationMagnitudeDeg float64 `yaml:"rotationMagnitudeDeg" json:"rotationMagnitudeDeg"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config is the full service configuration file
type Config struct {
	// Input is the reconstruction file to load. Required.
	Input string `yaml:"input" json:"input"`
	// Output optionally rewrites the reconstruction after processing.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`

	MQTT    MQTTConfig    `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Search  SearchConfig  `yaml:"search,omitempty" json:"search,omitempty"`
	Perturb PerturbConfig `yaml:"perturb,omitempty" json:"perturb,omitempty"`

	// Seed makes perturbation deterministic when non-zero.
	Seed int64 `yaml:"seed,omitempty" json:"seed,omitempty"`

	// HTTPAddr is the listen address of the status endpoint (default :8080).
	HTTPAddr string `yaml:"httpAddr,omitempty" json:"httpAddr,omitempty"`
}

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if config.Input == "" {
		return nil, fmt.Errorf("input is required")
	}
	if config.Search.MinDistance != nil && *config.Search.MinDistance < 0 {
		return nil, fmt.Errorf("search.minDistance must be >= 0")
	}
	if config.Search.MaxDistance != nil && *config.Search.MaxDistance < 0 {
		return nil, fmt.Errorf("search.maxDistance must be >= 0")
	}
	for i, d := range config.Search.MaxDescriptorDistances {
		if d < 0 {
			return nil, fmt.Errorf("search.maxDescriptorDistances[%d] must be >= 0", i)
		}
	}
	if config.Perturb.Enabled {
		if config.Perturb.TranslationMagnitude < 0 || config.Perturb.RotationMagnitudeDeg < 0 {
			return nil, fmt.Errorf("perturb magnitudes must be >= 0")
		}
	}
	if config.HTTPAddr == "" {
		config.HTTPAddr = ":8080"
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
