package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelMetadataValidate(t *testing.T) {
	valid := ModelMetadata{
		Name:               "solu-1l",
		NumLayers:          1,
		NeuronsPerLayer:    2048,
		ActivationFunction: "solu",
		NumTotalParameters: 3_100_000,
		Dataset:            "pile",
	}

	tests := []struct {
		name    string
		mutate  func(*ModelMetadata)
		wantErr bool
	}{
		{name: "valid metadata", mutate: func(*ModelMetadata) {}},
		{name: "empty name", mutate: func(m *ModelMetadata) { m.Name = "" }, wantErr: true},
		{name: "padded name", mutate: func(m *ModelMetadata) { m.Name = " solu " }, wantErr: true},
		{name: "zero layers", mutate: func(m *ModelMetadata) { m.NumLayers = 0 }, wantErr: true},
		{name: "zero neurons", mutate: func(m *ModelMetadata) { m.NeuronsPerLayer = 0 }, wantErr: true},
		{name: "optional fields empty", mutate: func(m *ModelMetadata) { m.ActivationFunction, m.Dataset = "", "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := valid
			tt.mutate(&meta)
			err := meta.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidMetadata)
		})
	}
}

func TestModelMetadataNumTotalNeurons(t *testing.T) {
	meta := ModelMetadata{NumLayers: 48, NeuronsPerLayer: 6400}
	assert.Equal(t, uint64(307200), meta.NumTotalNeurons())
}
