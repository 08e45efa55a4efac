// Package service renders the pages a registered service shows for a model,
// a layer or a neuron. Every provider reads through types.Database; none of
// them owns rows.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Errors returned by Render and Check.
var (
	ErrUnavailable   = errors.New("service unavailable for model")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrMisconfigured = errors.New("service misconfigured")
)

// Page is a rendered service page. Found is false when the model, the index
// or the underlying row does not exist; Body is then empty.
type Page struct {
	Found bool
	Body  json.RawMessage
}

// Request addresses one page.
type Request struct {
	Service string
	Model   string
	Index   types.Index
	// Query is the provider-specific query string: the key for json_search
	// and the token query for graph_search.
	Query string
}

// renderFunc returns the page data, or nil when there is none.
type renderFunc func(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, req Request) (json.RawMessage, error)

var providers = map[types.ServiceProvider]renderFunc{
	types.ProviderMetadata:    renderMetadata,
	types.ProviderJSON:        renderJSON,
	types.ProviderJSONSearch:  renderJSONSearch,
	types.ProviderGraph:       renderGraph,
	types.ProviderGraphSearch: renderGraphSearch,
	types.ProviderAggregate:   renderAggregate,
}

// Check reports ErrMisconfigured when a descriptor does not declare the
// data types its provider reads.
func Check(desc types.ServiceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	switch desc.Provider {
	case types.ProviderJSON, types.ProviderJSONSearch, types.ProviderGraph, types.ProviderGraphSearch:
		if len(desc.DataTypes) != 1 {
			return fmt.Errorf("%w: %s service %q needs exactly one data type, has %d",
				ErrMisconfigured, desc.Provider, desc.Name, len(desc.DataTypes))
		}
	}
	return nil
}

// Renderer renders service pages from a store.
type Renderer struct {
	db  types.Database
	log *slog.Logger
}

// New returns a Renderer over db. A nil logger discards.
func New(db types.Database, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Renderer{db: db, log: log}
}

// Render builds the page for req. Unknown services and services whose data
// types are not all attached to the model are errors; missing data is not.
// Pages of every provider but metadata are wrapped as
// {"metadata": <model metadata>, "data": <page>}.
func (r *Renderer) Render(ctx context.Context, req Request) (Page, error) {
	desc, ok, err := r.db.LookupService(ctx, req.Service)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", req.Service, err)
	}
	if !ok {
		return Page{}, fmt.Errorf("render %s: service %w", req.Service, types.ErrNotFound)
	}
	render, ok := providers[desc.Provider]
	if !ok {
		return Page{}, fmt.Errorf("render %s: %w: %q", req.Service, types.ErrInvalidProvider, desc.Provider)
	}
	if err := Check(desc); err != nil {
		return Page{}, fmt.Errorf("render %s: %w", req.Service, err)
	}

	m, ok, err := r.db.LookupModel(ctx, req.Model)
	if err != nil {
		return Page{}, fmt.Errorf("render %s for %s: %w", req.Service, req.Model, err)
	}
	if !ok || req.Index.Validate(m.Metadata) != nil {
		return Page{}, nil
	}

	attached, err := r.db.ModelDataTypes(ctx, req.Model)
	if err != nil {
		return noData(fmt.Errorf("render %s for %s: %w", req.Service, req.Model, err))
	}
	names := make([]string, len(attached))
	for i, dt := range attached {
		names[i] = dt.Name
	}
	if missing := desc.MissingDataTypes(names); len(missing) > 0 {
		return Page{}, fmt.Errorf("render %s for %s: %w: missing %v", req.Service, req.Model, ErrUnavailable, missing)
	}

	data, err := render(ctx, r, desc, m, req)
	if err != nil {
		return noData(fmt.Errorf("render %s for %s/%s: %w", req.Service, req.Model, req.Index, err))
	}
	if data == nil {
		return Page{}, nil
	}
	if desc.Provider == types.ProviderMetadata {
		return Page{Found: true, Body: data}, nil
	}

	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: marshal metadata: %w", req.Service, err)
	}
	body, err := json.Marshal(struct {
		Metadata json.RawMessage `json:"metadata"`
		Data     json.RawMessage `json:"data"`
	}{meta, data})
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", req.Service, err)
	}
	return Page{Found: true, Body: body}, nil
}

// noData turns the store's absence errors into an empty page.
func noData(err error) (Page, error) {
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrOutOfRange) {
		return Page{}, nil
	}
	return Page{}, err
}

func renderMetadata(_ context.Context, _ *Renderer, _ types.ServiceDescriptor, m types.Model, _ Request) (json.RawMessage, error) {
	return json.Marshal(m.Metadata)
}

// readDependency reads the service's single data type at idx.
func readDependency(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, idx types.Index) (types.Payload, bool, error) {
	name := desc.DataTypes[0]
	dt, ok, err := r.db.LookupDataType(ctx, name)
	if err != nil || !ok {
		return types.Payload{}, false, err
	}
	data, ok, err := r.db.Read(ctx, m.Name(), name, idx)
	if err != nil || !ok {
		return types.Payload{}, false, err
	}
	return types.Payload{Kind: dt.Kind, Data: data}, true, nil
}

func renderJSON(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, req Request) (json.RawMessage, error) {
	p, ok, err := readDependency(ctx, r, desc, m, req.Index)
	if err != nil || !ok {
		return nil, err
	}
	return p.MarshalJSON()
}

// renderJSONSearch looks req.Query up as a key of the model-level JSON
// object.
func renderJSONSearch(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, req Request) (json.RawMessage, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: json_search needs a key", ErrInvalidQuery)
	}
	p, ok, err := readDependency(ctx, r, desc, m, types.ModelIndex())
	if err != nil || !ok {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(p.Data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s is not a JSON object: %v", types.ErrInvalidPayload, desc.DataTypes[0], err)
	}
	v, ok := doc[req.Query]
	if !ok {
		r.log.Debug("json search key not found", "service", desc.Name, "model", m.Name(), "key", req.Query)
		return nil, nil
	}
	return v, nil
}

func renderGraph(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, req Request) (json.RawMessage, error) {
	if req.Index.Granularity() != types.GranularityNeuron {
		return nil, fmt.Errorf("%w: graphs are stored per neuron, got %s", types.ErrInvalidIndex, req.Index)
	}
	p, ok, err := readDependency(ctx, r, desc, m, req.Index)
	if err != nil || !ok {
		return nil, err
	}
	g, err := types.DecodeGraph(p.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// renderAggregate returns the service's data types present at the index, or
// every attached one when the service declares none.
func renderAggregate(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, req Request) (json.RawMessage, error) {
	all, err := r.db.Aggregate(ctx, m.Name(), req.Index)
	if err != nil {
		return nil, err
	}
	out := all
	if len(desc.DataTypes) > 0 {
		out = make(map[string]types.Payload, len(desc.DataTypes))
		for _, name := range desc.DataTypes {
			if p, ok := all[name]; ok {
				out[name] = p
			}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return json.Marshal(out)
}
