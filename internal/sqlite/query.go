package sqlite

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/deepdecipher/internal/coverage"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// aggregateQueries join a model's attachments to one partition. Extra key
// arguments follow the model id.
var aggregateQueries = map[types.Granularity]string{
	types.GranularityModel: `SELECT d.name, d.kind, p.data FROM model_data_type a
JOIN data_type d ON d.id = a.data_type_id
JOIN model_data p ON p.model_id = a.model_id AND p.data_type_id = a.data_type_id
WHERE a.model_id = ?`,
	types.GranularityLayer: `SELECT d.name, d.kind, p.data FROM model_data_type a
JOIN data_type d ON d.id = a.data_type_id
JOIN layer_data p ON p.model_id = a.model_id AND p.data_type_id = a.data_type_id AND p.layer_index = ?
WHERE a.model_id = ?`,
	types.GranularityNeuron: `SELECT d.name, d.kind, p.data FROM model_data_type a
JOIN data_type d ON d.id = a.data_type_id
JOIN neuron_data p ON p.model_id = a.model_id AND p.data_type_id = a.data_type_id
    AND p.layer_index = ? AND p.neuron_index = ?
WHERE a.model_id = ?`,
}

// Aggregate returns the payload of every attached data type that has a row
// at idx. The join visits each attachment once, so the cost follows the
// number of data types attached to the model.
func (b *Backend) Aggregate(ctx context.Context, model string, idx types.Index) (map[string]types.Payload, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := requireModel(ctx, b.db, model)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s/%s: %w", model, idx, err)
	}
	if err := idx.Validate(m.Metadata); err != nil {
		return nil, fmt.Errorf("aggregate %s/%s: %w", model, idx, err)
	}

	var args []any
	switch idx.Granularity() {
	case types.GranularityLayer:
		args = []any{idx.Layer(), m.ID}
	case types.GranularityNeuron:
		args = []any{idx.Layer(), idx.Neuron(), m.ID}
	default:
		args = []any{m.ID}
	}

	rows, err := b.db.QueryContext(ctx, aggregateQueries[idx.Granularity()], args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s/%s: %w", model, idx, err)
	}
	defer rows.Close()

	out := make(map[string]types.Payload)
	for rows.Next() {
		var (
			name string
			kind types.PayloadKind
			raw  []byte
		)
		if err := rows.Scan(&name, &kind, &raw); err != nil {
			return nil, fmt.Errorf("aggregate %s/%s: %w", model, idx, err)
		}
		data, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("aggregate %s/%s: %s: %w", model, idx, name, err)
		}
		out[name] = types.Payload{Kind: kind, Data: data}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("aggregate %s/%s: %w", model, idx, err)
	}
	return out, nil
}

// scopeQuery selects (layer, neuron, data) rows of one partition.
type scopeQuery struct {
	g     types.Granularity
	query string
	args  []any
}

// scopeQueries returns, in ascending Index order, the queries that select
// every row at or below scope.
func scopeQueries(modelID, dataTypeID int64, scope types.Index, column string) []scopeQuery {
	model := scopeQuery{types.GranularityModel,
		"SELECT 0, 0, " + column + " FROM model_data WHERE model_id = ? AND data_type_id = ?",
		[]any{modelID, dataTypeID}}
	allLayers := scopeQuery{types.GranularityLayer,
		"SELECT layer_index, 0, " + column + " FROM layer_data WHERE model_id = ? AND data_type_id = ? ORDER BY layer_index",
		[]any{modelID, dataTypeID}}
	allNeurons := scopeQuery{types.GranularityNeuron,
		"SELECT layer_index, neuron_index, " + column + " FROM neuron_data WHERE model_id = ? AND data_type_id = ? ORDER BY layer_index, neuron_index",
		[]any{modelID, dataTypeID}}

	switch scope.Granularity() {
	case types.GranularityLayer:
		return []scopeQuery{
			{types.GranularityLayer,
				"SELECT layer_index, 0, " + column + " FROM layer_data WHERE model_id = ? AND data_type_id = ? AND layer_index = ?",
				[]any{modelID, dataTypeID, scope.Layer()}},
			{types.GranularityNeuron,
				"SELECT layer_index, neuron_index, " + column + " FROM neuron_data WHERE model_id = ? AND data_type_id = ? AND layer_index = ? ORDER BY neuron_index",
				[]any{modelID, dataTypeID, scope.Layer()}},
		}
	case types.GranularityNeuron:
		return []scopeQuery{
			{types.GranularityNeuron,
				"SELECT layer_index, neuron_index, " + column + " FROM neuron_data WHERE model_id = ? AND data_type_id = ? AND layer_index = ? AND neuron_index = ?",
				[]any{modelID, dataTypeID, scope.Layer(), scope.Neuron()}},
		}
	default:
		return []scopeQuery{model, allLayers, allNeurons}
	}
}

func indexAt(g types.Granularity, layer, neuron uint32) types.Index {
	switch g {
	case types.GranularityLayer:
		return types.LayerIndex(layer)
	case types.GranularityNeuron:
		return types.NeuronIndex(layer, neuron)
	default:
		return types.ModelIndex()
	}
}

// Enumerate returns the rows of one data type at or below scope: the model
// row, then layer rows, then neuron rows, each in ascending order.
func (b *Backend) Enumerate(ctx context.Context, model, dataType string, scope types.Index) ([]types.Entry, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, err := resolve(ctx, b.db, model, dataType)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s/%s/%s: %w", model, dataType, scope, err)
	}
	if err := scope.Validate(t.model.Metadata); err != nil {
		return nil, fmt.Errorf("enumerate %s/%s/%s: %w", model, dataType, scope, err)
	}

	var out []types.Entry
	for _, sq := range scopeQueries(t.model.ID, t.dataType.ID, scope, "data") {
		err := func() error {
			rows, err := b.db.QueryContext(ctx, sq.query, sq.args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			for rows.Next() {
				var (
					layer, neuron uint32
					raw           []byte
				)
				if err := rows.Scan(&layer, &neuron, &raw); err != nil {
					return err
				}
				data, err := decode(raw)
				if err != nil {
					return err
				}
				out = append(out, types.Entry{
					Index:   indexAt(sq.g, layer, neuron),
					Payload: types.Payload{Kind: t.dataType.Kind, Data: data},
				})
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, fmt.Errorf("enumerate %s/%s/%s: %w", model, dataType, scope, err)
		}
	}
	return out, nil
}

// MissingItems returns the indices of granularity g that have no row of the
// data type, in ascending order.
func (b *Backend) MissingItems(ctx context.Context, model, dataType string, g types.Granularity) ([]types.Index, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	if g > types.GranularityNeuron {
		return nil, fmt.Errorf("missing items %s/%s: %w: %s", model, dataType, types.ErrInvalidIndex, g)
	}

	t, err := resolve(ctx, b.db, model, dataType)
	if err != nil {
		return nil, fmt.Errorf("missing items %s/%s: %w", model, dataType, err)
	}
	present, err := coverage.NewSet(t.model.Metadata, g)
	if err != nil {
		return nil, fmt.Errorf("missing items %s/%s: %w", model, dataType, err)
	}

	var sq scopeQuery
	for _, q := range scopeQueries(t.model.ID, t.dataType.ID, types.ModelIndex(), "NULL") {
		if q.g == g {
			sq = q
		}
	}
	rows, err := b.db.QueryContext(ctx, sq.query, sq.args...)
	if err != nil {
		return nil, fmt.Errorf("missing items %s/%s: %w", model, dataType, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			layer, neuron uint32
			ignored       any
		)
		if err := rows.Scan(&layer, &neuron, &ignored); err != nil {
			return nil, fmt.Errorf("missing items %s/%s: %w", model, dataType, err)
		}
		if err := present.Add(indexAt(g, layer, neuron)); err != nil {
			return nil, fmt.Errorf("missing items %s/%s: %w", model, dataType, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("missing items %s/%s: %w", model, dataType, err)
	}
	return present.Missing().Slice(), nil
}
