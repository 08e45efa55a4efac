package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Payload is the content of one row, tagged with its data type's kind.
type Payload struct {
	Kind PayloadKind
	Data []byte
}

// MarshalJSON embeds JSON-shaped payloads verbatim and encodes blobs as a
// base64 string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Kind == KindBlob {
		return json.Marshal(p.Data)
	}
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// ValidatePayload checks that data is well formed for kind.
func ValidatePayload(kind PayloadKind, data []byte) error {
	switch kind {
	case KindBlob:
		return nil
	case KindJSON:
		if !json.Valid(data) {
			return fmt.Errorf("%w: not a JSON document", ErrInvalidPayload)
		}
		return nil
	case KindGraph:
		_, err := DecodeGraph(data)
		return err
	case KindSearch:
		_, err := DecodeSearchIndex(data)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// GraphNode is one token node of a neuron graph.
type GraphNode struct {
	ID         string  `json:"id"`
	Token      string  `json:"token"`
	Activation float64 `json:"activation"`
	Importance float64 `json:"importance"`
}

// GraphEdge is a directed, weighted edge between two nodes.
type GraphEdge struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

// Graph is the record stored for KindGraph data types.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// DecodeGraph parses a graph record and checks that node ids are unique and
// that every edge references declared nodes.
func DecodeGraph(data []byte) (Graph, error) {
	var g Graph
	if err := strictUnmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("%w: graph: %v", ErrInvalidPayload, err)
	}
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return Graph{}, fmt.Errorf("%w: graph node without id", ErrInvalidPayload)
		}
		if ids[n.ID] {
			return Graph{}, fmt.Errorf("%w: duplicate graph node %q", ErrInvalidPayload, n.ID)
		}
		ids[n.ID] = true
	}
	for _, e := range g.Edges {
		if !ids[e.From] || !ids[e.To] {
			return Graph{}, fmt.Errorf("%w: edge %s->%s references an undeclared node",
				ErrInvalidPayload, e.From, e.To)
		}
	}
	return g, nil
}

// SearchIndex maps tokens to the neurons that activate on them and the
// neurons for which they are important. It is stored at model scope.
type SearchIndex struct {
	Activating map[string][]string `json:"activating"`
	Important  map[string][]string `json:"important"`
}

// DecodeSearchIndex parses a search index and checks every entry is a
// neuron index.
func DecodeSearchIndex(data []byte) (SearchIndex, error) {
	var s SearchIndex
	if err := strictUnmarshal(data, &s); err != nil {
		return SearchIndex{}, fmt.Errorf("%w: search index: %v", ErrInvalidPayload, err)
	}
	for _, m := range []map[string][]string{s.Activating, s.Important} {
		for token, entries := range m {
			for _, entry := range entries {
				idx, err := ParseIndex(entry)
				if err != nil || idx.Granularity() != GranularityNeuron {
					return SearchIndex{}, fmt.Errorf("%w: token %q: %q is not a neuron index",
						ErrInvalidPayload, token, entry)
				}
			}
		}
	}
	return s, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// More misses stray closers, so require the stream to end.
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after document")
	}
	return nil
}
