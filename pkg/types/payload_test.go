package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    PayloadKind
		data    string
		wantErr error
	}{
		{name: "json object", kind: KindJSON, data: `{"v":1}`},
		{name: "json scalar", kind: KindJSON, data: `42`},
		{name: "broken json", kind: KindJSON, data: `{"v":`, wantErr: ErrInvalidPayload},
		{name: "blob accepts anything", kind: KindBlob, data: "\x00\xff"},
		{
			name: "graph with valid edges",
			kind: KindGraph,
			data: `{"nodes":[{"id":"a","token":"the"},{"id":"b","token":"cat"}],"edges":[{"from":"a","to":"b","weight":0.5}]}`,
		},
		{
			name:    "graph edge to undeclared node",
			kind:    KindGraph,
			data:    `{"nodes":[{"id":"a"}],"edges":[{"from":"a","to":"z"}]}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "graph with duplicate node",
			kind:    KindGraph,
			data:    `{"nodes":[{"id":"a"},{"id":"a"}],"edges":[]}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "graph with unknown field",
			kind:    KindGraph,
			data:    `{"nodes":[],"vertices":[]}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name: "search index with neuron entries",
			kind: KindSearch,
			data: `{"activating":{"the":["l0n3","1_2"]},"important":{"cat":["l1n0"]}}`,
		},
		{
			name:    "search index with layer entry",
			kind:    KindSearch,
			data:    `{"activating":{"the":["l0"]},"important":{}}`,
			wantErr: ErrInvalidPayload,
		},
		{name: "graph with trailing bracket", kind: KindGraph, data: `{"nodes":[],"edges":[]}]`, wantErr: ErrInvalidPayload},
		{name: "graph with trailing brace", kind: KindGraph, data: `{"nodes":[],"edges":[]}}`, wantErr: ErrInvalidPayload},
		{name: "graph with second document", kind: KindGraph, data: `{"nodes":[]} {}`, wantErr: ErrInvalidPayload},
		{name: "graph with trailing newline", kind: KindGraph, data: "{\"nodes\":[],\"edges\":[]}\n"},
		{name: "search index with trailing bracket", kind: KindSearch, data: `{"activating":{},"important":{}}]`, wantErr: ErrInvalidPayload},
		{name: "unknown kind", kind: "xml", data: `<a/>`, wantErr: ErrInvalidKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.kind, []byte(tt.data))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPayloadMarshalJSON(t *testing.T) {
	out, err := json.Marshal(map[string]Payload{
		"doc":  {Kind: KindJSON, Data: []byte(`{"v":1}`)},
		"bin":  {Kind: KindBlob, Data: []byte("hi")},
		"none": {Kind: KindJSON},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"doc":{"v":1},"bin":"aGk=","none":null}`, string(out))
}

func TestEntryMarshalJSON(t *testing.T) {
	out, err := json.Marshal(Entry{Index: NeuronIndex(0, 2), Payload: Payload{Kind: KindJSON, Data: []byte(`[1,2]`)}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":"l0n2","data":[1,2]}`, string(out))
}

func TestParsePayloadKind(t *testing.T) {
	k, err := ParsePayloadKind(" Graph ")
	require.NoError(t, err)
	assert.Equal(t, KindGraph, k)

	_, err = ParsePayloadKind("csv")
	assert.ErrorIs(t, err, ErrInvalidKind)
}
