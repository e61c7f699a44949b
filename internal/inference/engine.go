// Package inference classifies extracted frames with a TensorFlow Lite
// model and turns the per-frame confidences into labeled frame intervals.
package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/endoreg/endoscrub/internal/datastore"
)

// Engine classifies one frame image into per-label confidences. The result
// slice is ordered like the model's label list.
type Engine interface {
	Classify(ctx context.Context, framePath string) ([]float32, error)
	Close() error
}

// ModelSpec is the decoded form of an AiModel row: the ordered label names
// and the input normalization parameters.
type ModelSpec struct {
	Labels    []string
	Mean      []float32
	Std       []float32
	InputSize int
}

// DecodeModelSpec parses the JSON columns of a model row. The label order
// must match the model's output tensor; that mapping is established at model
// registration time and only decoded here.
func DecodeModelSpec(model *datastore.AiModel) (*ModelSpec, error) {
	spec := &ModelSpec{InputSize: model.InputSize}
	if err := json.Unmarshal([]byte(model.Labels), &spec.Labels); err != nil {
		return nil, fmt.Errorf("decoding label list of model %s %s: %w", model.Name, model.Version, err)
	}
	if len(spec.Labels) == 0 {
		return nil, fmt.Errorf("model %s %s has an empty label list", model.Name, model.Version)
	}
	if model.MeanJSON != "" {
		if err := json.Unmarshal([]byte(model.MeanJSON), &spec.Mean); err != nil {
			return nil, fmt.Errorf("decoding normalization mean of model %s %s: %w", model.Name, model.Version, err)
		}
	}
	if model.StdJSON != "" {
		if err := json.Unmarshal([]byte(model.StdJSON), &spec.Std); err != nil {
			return nil, fmt.Errorf("decoding normalization std of model %s %s: %w", model.Name, model.Version, err)
		}
	}
	if spec.InputSize <= 0 {
		return nil, fmt.Errorf("model %s %s has no input size", model.Name, model.Version)
	}
	return spec, nil
}

// channelParam returns the per-channel value or a default when the model
// row carries none.
func channelParam(params []float32, channel int, fallback float32) float32 {
	if channel < len(params) {
		return params[channel]
	}
	return fallback
}
