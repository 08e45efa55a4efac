package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/deepdecipher/internal/coverage"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// SearchType selects which token lists of a search index a term reads.
type SearchType string

// Search types.
const (
	SearchActivating SearchType = "activating"
	SearchImportant  SearchType = "important"
	SearchAny        SearchType = "any"
)

// TokenSearch is one term of a graph_search query.
type TokenSearch struct {
	Type  SearchType
	Token string
}

// ParseTokenQuery parses "type:token[,type:token...]". Tokens may contain
// colons; only the first one separates the type.
func ParseTokenQuery(q string) ([]TokenSearch, error) {
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("%w: at least one token search is required", ErrInvalidQuery)
	}
	var out []TokenSearch
	for _, term := range strings.Split(q, ",") {
		typ, token, ok := strings.Cut(term, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not of the form type:token", ErrInvalidQuery, term)
		}
		st := SearchType(strings.ToLower(strings.TrimSpace(typ)))
		switch st {
		case SearchActivating, SearchImportant, SearchAny:
		default:
			return nil, fmt.Errorf("%w: unknown search type %q", ErrInvalidQuery, typ)
		}
		out = append(out, TokenSearch{Type: st, Token: token})
	}
	return out, nil
}

// Match returns the neurons of the search index that satisfy every term:
// the union within a term over its lists, intersected across terms, in
// ascending order.
func Match(meta types.ModelMetadata, idx types.SearchIndex, terms []TokenSearch) ([]types.Index, error) {
	sets := make([]*coverage.Set, 0, len(terms))
	for _, term := range terms {
		set, err := coverage.NewSet(meta, types.GranularityNeuron)
		if err != nil {
			return nil, err
		}
		var lists [][]string
		if term.Type == SearchActivating || term.Type == SearchAny {
			lists = append(lists, idx.Activating[term.Token])
		}
		if term.Type == SearchImportant || term.Type == SearchAny {
			lists = append(lists, idx.Important[term.Token])
		}
		for _, list := range lists {
			for _, entry := range list {
				n, err := types.ParseIndex(entry)
				if err != nil {
					return nil, fmt.Errorf("%w: search entry %q", types.ErrInvalidPayload, entry)
				}
				if err := set.Add(n); err != nil {
					return nil, fmt.Errorf("%w: search entry %q: %v", types.ErrInvalidPayload, entry, err)
				}
			}
		}
		sets = append(sets, set)
	}
	result, err := coverage.Intersect(meta, types.GranularityNeuron, sets...)
	if err != nil {
		return nil, err
	}
	return result.Slice(), nil
}

// renderGraphSearch answers a token query against the model-level search
// index. The page is the sorted list of matching neurons.
func renderGraphSearch(ctx context.Context, r *Renderer, desc types.ServiceDescriptor, m types.Model, req Request) (json.RawMessage, error) {
	terms, err := ParseTokenQuery(req.Query)
	if err != nil {
		return nil, err
	}
	p, ok, err := readDependency(ctx, r, desc, m, types.ModelIndex())
	if err != nil || !ok {
		return nil, err
	}
	idx, err := types.DecodeSearchIndex(p.Data)
	if err != nil {
		return nil, err
	}
	matches, err := Match(m.Metadata, idx, terms)
	if err != nil {
		return nil, err
	}
	r.log.Debug("graph search", "service", desc.Name, "model", m.Name(), "terms", len(terms), "matches", len(matches))
	return json.Marshal(matches)
}
