// Package model loads and hot-swaps the learned inference artifact used
// by the recommendation scorer.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"
)

// Artifact identifies a trained model in the registry.
type Artifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"modelPath"`
}

// Key returns the identity the loader compares for swaps.
func (a Artifact) Key() string {
	return a.Name + "@" + a.Version
}

// Model is a fully loaded inference artifact. A Model is immutable once
// constructed; readers always see either this model or its replacement,
// never a partially loaded one.
type Model struct {
	Artifact Artifact
	Weights  []float64
	Bias     float64
	LoadedAt time.Time
}

// artifactFile is the on-disk format the offline training job writes.
type artifactFile struct {
	Type    string    `json:"type"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// Load reads and validates an artifact from its path.
func Load(a Artifact) (*Model, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var file artifactFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("malformed artifact: %w", err)
	}

	if file.Type != "logistic" {
		return nil, fmt.Errorf("unsupported artifact type %q", file.Type)
	}
	if len(file.Weights) == 0 {
		return nil, fmt.Errorf("artifact has no weights")
	}

	return &Model{
		Artifact: a,
		Weights:  file.Weights,
		Bias:     file.Bias,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// Predict evaluates a batch of feature vectors in one call, returning one
// score in [0,1] per vector.
func (m *Model) Predict(batch [][]float64) ([]float64, error) {
	out := make([]float64, len(batch))

	for i, vec := range batch {
		if len(vec) != len(m.Weights) {
			return nil, fmt.Errorf("feature vector has %d components, model expects %d", len(vec), len(m.Weights))
		}

		z := m.Bias
		for j, x := range vec {
			z += m.Weights[j] * x
		}
		out[i] = sigmoid(z)
	}

	return out, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
