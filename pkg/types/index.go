package types

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Granularity identifies which partition of the store an Index addresses.
type Granularity uint8

// Granularities in canonical order.
const (
	GranularityModel Granularity = iota
	GranularityLayer
	GranularityNeuron
)

// String returns the lowercase granularity name.
func (g Granularity) String() string {
	switch g {
	case GranularityModel:
		return "model"
	case GranularityLayer:
		return "layer"
	case GranularityNeuron:
		return "neuron"
	default:
		return fmt.Sprintf("granularity(%d)", uint8(g))
	}
}

// ParseGranularity parses "model", "layer" or "neuron".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "model":
		return GranularityModel, nil
	case "layer":
		return GranularityLayer, nil
	case "neuron":
		return GranularityNeuron, nil
	default:
		return 0, fmt.Errorf("%w: unknown granularity %q", ErrInvalidIndex, s)
	}
}

// Index addresses a model, a layer of a model, or a neuron of a layer. The
// owning model is always supplied alongside it. The zero value addresses the
// whole model. Index values are comparable with ==.
type Index struct {
	granularity Granularity
	layer       uint32
	neuron      uint32
}

// ModelIndex returns the model-scope index.
func ModelIndex() Index {
	return Index{}
}

// LayerIndex returns the index of one layer.
func LayerIndex(layer uint32) Index {
	return Index{granularity: GranularityLayer, layer: layer}
}

// NeuronIndex returns the index of one neuron within a layer.
func NeuronIndex(layer, neuron uint32) Index {
	return Index{granularity: GranularityNeuron, layer: layer, neuron: neuron}
}

// IndexFromFlat converts a flat neuron number back to a neuron index.
func IndexFromFlat(neuronsPerLayer uint32, flat uint32) Index {
	if neuronsPerLayer == 0 {
		return NeuronIndex(0, flat)
	}
	return NeuronIndex(flat/neuronsPerLayer, flat%neuronsPerLayer)
}

// Granularity returns which partition the index addresses.
func (i Index) Granularity() Granularity { return i.granularity }

// Layer returns the layer number. It is zero for model-scope indices.
func (i Index) Layer() uint32 { return i.layer }

// Neuron returns the neuron number within its layer. It is zero unless the
// index is neuron-scope.
func (i Index) Neuron() uint32 { return i.neuron }

// FlatNeuron returns layer*neuronsPerLayer + neuron.
func (i Index) FlatNeuron(neuronsPerLayer uint32) uint32 {
	return i.layer*neuronsPerLayer + i.neuron
}

// Validate reports ErrOutOfRange when the index does not fit the model's
// declared dimensions.
func (i Index) Validate(meta ModelMetadata) error {
	switch i.granularity {
	case GranularityModel:
		return nil
	case GranularityLayer, GranularityNeuron:
		if i.layer >= meta.NumLayers {
			return fmt.Errorf("%w: layer %d but model %q has %d layers",
				ErrOutOfRange, i.layer, meta.Name, meta.NumLayers)
		}
		if i.granularity == GranularityNeuron && i.neuron >= meta.NeuronsPerLayer {
			return fmt.Errorf("%w: neuron %d but model %q has %d neurons per layer",
				ErrOutOfRange, i.neuron, meta.Name, meta.NeuronsPerLayer)
		}
		return nil
	default:
		return fmt.Errorf("%w: granularity %d", ErrInvalidIndex, i.granularity)
	}
}

// Compare orders indices by granularity, then layer, then neuron.
func (i Index) Compare(j Index) int {
	if c := cmp.Compare(i.granularity, j.granularity); c != 0 {
		return c
	}
	if c := cmp.Compare(i.layer, j.layer); c != 0 {
		return c
	}
	return cmp.Compare(i.neuron, j.neuron)
}

// Contains reports whether j lies at or below i: a model index contains
// everything, a layer index contains itself and its neurons.
func (i Index) Contains(j Index) bool {
	switch i.granularity {
	case GranularityModel:
		return true
	case GranularityLayer:
		return j.granularity != GranularityModel && j.layer == i.layer
	default:
		return i == j
	}
}

// String renders "model", "l<layer>" or "l<layer>n<neuron>".
func (i Index) String() string {
	switch i.granularity {
	case GranularityLayer:
		return "l" + strconv.FormatUint(uint64(i.layer), 10)
	case GranularityNeuron:
		return "l" + strconv.FormatUint(uint64(i.layer), 10) + "n" + strconv.FormatUint(uint64(i.neuron), 10)
	default:
		return "model"
	}
}

// ParseIndex parses the forms produced by String, plus "<layer>",
// "<layer>_<neuron>" and "<layer>/<neuron>". An empty string is the model
// index.
func ParseIndex(s string) (Index, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "model") {
		return ModelIndex(), nil
	}

	var layerStr, neuronStr string
	switch {
	case strings.HasPrefix(s, "l"):
		rest := s[1:]
		if n := strings.IndexByte(rest, 'n'); n >= 0 {
			layerStr, neuronStr = rest[:n], rest[n+1:]
		} else {
			layerStr = rest
		}
	case strings.ContainsAny(s, "_/"):
		sep := "_"
		if !strings.Contains(s, sep) {
			sep = "/"
		}
		parts := strings.Split(s, sep)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Index{}, fmt.Errorf("%w: %q", ErrInvalidIndex, s)
		}
		layerStr, neuronStr = parts[0], parts[1]
	default:
		layerStr = s
	}

	layer, err := strconv.ParseUint(layerStr, 10, 32)
	if err != nil {
		return Index{}, fmt.Errorf("%w: layer in %q", ErrInvalidIndex, s)
	}
	if neuronStr == "" && !strings.HasSuffix(s, "n") {
		return LayerIndex(uint32(layer)), nil
	}
	neuron, err := strconv.ParseUint(neuronStr, 10, 32)
	if err != nil {
		return Index{}, fmt.Errorf("%w: neuron in %q", ErrInvalidIndex, s)
	}
	return NeuronIndex(uint32(layer), uint32(neuron)), nil
}

// MarshalText implements encoding.TextMarshaler.
func (i Index) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Index) UnmarshalText(text []byte) error {
	parsed, err := ParseIndex(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

var _ json.Marshaler = Entry{}

// Entry is one stored row returned by enumeration.
type Entry struct {
	Index   Index
	Payload Payload
}

// MarshalJSON renders the entry as {"index": ..., "data": ...}.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Index Index   `json:"index"`
		Data  Payload `json:"data"`
	}{e.Index, e.Payload})
}
