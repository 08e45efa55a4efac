package types

import (
	"fmt"
	"strings"

	"gopkg.in/go-playground/validator.v9"
)

// ModelMetadata describes a language model whose neurons the store holds
// data for. Name is the registry key.
type ModelMetadata struct {
	Name               string `json:"name" yaml:"name" validate:"required,max=255"`
	NumLayers          uint32 `json:"num_layers" yaml:"num_layers" validate:"min=1"`
	NeuronsPerLayer    uint32 `json:"neurons_per_layer" yaml:"neurons_per_layer" validate:"min=1"`
	ActivationFunction string `json:"activation_function" yaml:"activation_function"`
	NumTotalParameters uint64 `json:"num_total_parameters" yaml:"num_total_parameters"`
	Dataset            string `json:"dataset" yaml:"dataset"`
}

// NumTotalNeurons returns NumLayers * NeuronsPerLayer.
func (m ModelMetadata) NumTotalNeurons() uint64 {
	return uint64(m.NumLayers) * uint64(m.NeuronsPerLayer)
}

var metadataValidator = validator.New()

// Validate checks the struct tags and returns an error wrapping
// ErrInvalidMetadata that names every failing field.
func (m ModelMetadata) Validate() error {
	err := metadataValidator.Struct(m)
	if err == nil {
		if strings.TrimSpace(m.Name) != m.Name {
			return fmt.Errorf("%w: name %q has surrounding whitespace", ErrInvalidMetadata, m.Name)
		}
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, verr := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", verr.Field(), verr.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidMetadata, strings.Join(fields, ", "))
}

// Model is a registered model: its store-assigned id and its metadata. Ids
// are never reused, so a model deleted and registered again gets a new one.
type Model struct {
	ID       int64         `json:"id"`
	Metadata ModelMetadata `json:"metadata"`
}

// Name returns the model's registry key.
func (m Model) Name() string { return m.Metadata.Name }
