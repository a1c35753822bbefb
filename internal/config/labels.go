package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultClassificationLabels are the zero-shot candidate labels used when no
// label file is configured.
var DefaultClassificationLabels = []string{
	"Normal",
	"Fracture",
	"Pneumonia",
	"Infection",
	"Tumor",
	"Hemorrhage",
}

type labelsFile struct {
	Labels []string `yaml:"labels"`
}

// LoadClassificationLabels reads candidate labels from a YAML file of the form
//
//	labels:
//	  - Normal
//	  - Fracture
//
// An empty path returns the built-in defaults.
func LoadClassificationLabels(path string) ([]string, error) {
	if path == "" {
		return DefaultClassificationLabels, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels file: %w", err)
	}

	var parsed labelsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse labels file: %w", err)
	}
	if len(parsed.Labels) == 0 {
		return nil, fmt.Errorf("labels file %s contains no labels", path)
	}
	return parsed.Labels, nil
}
