// Package runconfig reads the YAML launch configuration that describes
// a training run. Only the fields the tracker persists are typed; the
// rest of the document is carried verbatim so the stored snapshot never
// loses information.
package runconfig

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ObjectiveSpec is one optimization target declared in the launch
// config.
type ObjectiveSpec struct {
	Name      string   `mapstructure:"name"`
	Alias     string   `mapstructure:"alias"`
	UniProt   string   `mapstructure:"uniprot"`
	Direction string   `mapstructure:"direction"`
	Weight    *float64 `mapstructure:"weight"`
}

// TrainingSpec holds the training scalars promoted to run columns.
// Pointers keep absent values distinguishable from zero.
type TrainingSpec struct {
	BatchSize    *int     `mapstructure:"batch_size"`
	LearningRate *float64 `mapstructure:"learning_rate"`
	NumProcesses *int     `mapstructure:"num_processes"`
	MaxSteps     *int     `mapstructure:"max_steps"`
}

// RewardSpec holds the reward-shaping scalars promoted to run columns.
type RewardSpec struct {
	GradientMethod string   `mapstructure:"gradient_method"`
	Beta           *float64 `mapstructure:"beta"`
}

// Document is a parsed launch configuration.
type Document struct {
	Objectives []ObjectiveSpec `mapstructure:"objectives"`
	Training   TrainingSpec    `mapstructure:"training"`
	Reward     RewardSpec      `mapstructure:"reward"`

	raw map[string]any
}

// Load reads and parses the launch configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading launch config: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return doc, nil
}

// Parse decodes a YAML launch configuration. The typed fields are
// extracted through mapstructure while the raw document is retained for
// Snapshot.
func Parse(data []byte) (*Document, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing launch config yaml: %w", err)
	}

	var doc Document
	if err := mapstructure.Decode(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding launch config fields: %w", err)
	}

	doc.raw = raw

	return &doc, nil
}

// Snapshot renders the full document as canonical JSON for storage.
func (d *Document) Snapshot() (string, error) {
	if d.raw == nil {
		return "{}", nil
	}

	b, err := json.Marshal(d.raw)
	if err != nil {
		return "", fmt.Errorf("serializing launch config: %w", err)
	}

	return string(b), nil
}

// NumObjectives returns how many objectives the config declares.
func (d *Document) NumObjectives() int {
	return len(d.Objectives)
}
