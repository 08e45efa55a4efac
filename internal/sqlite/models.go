package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

const selectModel = `SELECT id, name, num_layers, neurons_per_layer, activation_function,
num_total_parameters, dataset FROM model`

// RegisterModel persists a new model with a fresh id.
func (b *Backend) RegisterModel(ctx context.Context, meta types.ModelMetadata) (types.Model, error) {
	if err := validateMetadata(meta); err != nil {
		return types.Model{}, fmt.Errorf("register model %q: %w", meta.Name, err)
	}

	unlock, err := b.lock()
	if err != nil {
		return types.Model{}, err
	}
	defer unlock()

	var m types.Model
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, err = insertModel(ctx, tx, meta)
		return err
	})
	if err != nil {
		return types.Model{}, fmt.Errorf("register model %q: %w", meta.Name, err)
	}
	b.log.Info("model registered", "model", meta.Name, "id", m.ID,
		"layers", meta.NumLayers, "neurons_per_layer", meta.NeuronsPerLayer)
	return m, nil
}

// LookupModel returns false when no model has the name.
func (b *Backend) LookupModel(ctx context.Context, name string) (types.Model, bool, error) {
	unlock, err := b.rlock()
	if err != nil {
		return types.Model{}, false, err
	}
	defer unlock()

	m, ok, err := lookupModel(ctx, b.db, name)
	if err != nil {
		return types.Model{}, false, fmt.Errorf("lookup model %q: %w", name, err)
	}
	return m, ok, nil
}

// Models lists every model ordered by name.
func (b *Backend) Models(ctx context.Context) ([]types.Model, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := b.db.QueryContext(ctx, selectModel+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []types.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return out, nil
}

// DeleteModel removes the model, all of its rows and its attachments.
func (b *Backend) DeleteModel(ctx context.Context, name string) error {
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, err := requireModel(ctx, tx, name)
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			"DELETE FROM neuron_data WHERE model_id = ?",
			"DELETE FROM layer_data WHERE model_id = ?",
			"DELETE FROM model_data WHERE model_id = ?",
			"DELETE FROM model_data_type WHERE model_id = ?",
			"DELETE FROM model WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, m.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete model %q: %w", name, err)
	}
	b.log.Info("model deleted", "model", name)
	return nil
}

// ReplaceMetadata swaps a model's metadata. The name cannot change; an empty
// meta.Name keeps the current one. It fails with ErrDimensionShrink when a
// stored row lies outside the new dimensions.
func (b *Backend) ReplaceMetadata(ctx context.Context, name string, meta types.ModelMetadata) (types.Model, error) {
	if meta.Name == "" {
		meta.Name = name
	}
	if meta.Name != name {
		return types.Model{}, fmt.Errorf("replace metadata of %q: %w: name cannot change to %q",
			name, types.ErrInvalidMetadata, meta.Name)
	}
	if err := validateMetadata(meta); err != nil {
		return types.Model{}, fmt.Errorf("replace metadata of %q: %w", name, err)
	}

	unlock, err := b.lock()
	if err != nil {
		return types.Model{}, err
	}
	defer unlock()

	var m types.Model
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, err = requireModel(ctx, tx, name)
		if err != nil {
			return err
		}

		var maxLayer, maxNeuron sql.NullInt64
		err = tx.QueryRowContext(ctx, `SELECT MAX(l) FROM (
    SELECT MAX(layer_index) AS l FROM layer_data WHERE model_id = ?
    UNION ALL
    SELECT MAX(layer_index) AS l FROM neuron_data WHERE model_id = ?
)`, m.ID, m.ID).Scan(&maxLayer)
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx, "SELECT MAX(neuron_index) FROM neuron_data WHERE model_id = ?", m.ID).
			Scan(&maxNeuron)
		if err != nil {
			return err
		}
		if maxLayer.Valid && maxLayer.Int64 >= int64(meta.NumLayers) {
			return fmt.Errorf("%w: a row exists at layer %d", types.ErrDimensionShrink, maxLayer.Int64)
		}
		if maxNeuron.Valid && maxNeuron.Int64 >= int64(meta.NeuronsPerLayer) {
			return fmt.Errorf("%w: a row exists at neuron %d", types.ErrDimensionShrink, maxNeuron.Int64)
		}

		_, err = tx.ExecContext(ctx, `UPDATE model SET num_layers = ?, neurons_per_layer = ?,
activation_function = ?, num_total_parameters = ?, dataset = ? WHERE id = ?`,
			meta.NumLayers, meta.NeuronsPerLayer, meta.ActivationFunction,
			int64(meta.NumTotalParameters), meta.Dataset, m.ID)
		if err != nil {
			return err
		}
		m.Metadata = meta
		return nil
	})
	if err != nil {
		return types.Model{}, fmt.Errorf("replace metadata of %q: %w", name, err)
	}
	b.log.Info("model metadata replaced", "model", name,
		"layers", meta.NumLayers, "neurons_per_layer", meta.NeuronsPerLayer)
	return m, nil
}

// AttachDataType associates a data type with a model. Attaching twice is a
// no-op.
func (b *Backend) AttachDataType(ctx context.Context, model, dataType string) error {
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, dt, err := requireModelAndDataType(ctx, tx, model, dataType)
		if err != nil {
			return err
		}
		return attach(ctx, tx, m.ID, dt.ID)
	})
	if err != nil {
		return fmt.Errorf("attach %q to model %q: %w", dataType, model, err)
	}
	b.log.Info("data type attached", "model", model, "data_type", dataType)
	return nil
}

// DetachDataType removes the association and the model's rows of the data
// type. Detaching a data type that is not attached is a no-op.
func (b *Backend) DetachDataType(ctx context.Context, model, dataType string) error {
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	err = b.inTx(ctx, func(tx *sql.Tx) error {
		m, dt, err := requireModelAndDataType(ctx, tx, model, dataType)
		if err != nil {
			return err
		}
		if err := deleteRows(ctx, tx, m.ID, dt.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM model_data_type WHERE model_id = ? AND data_type_id = ?", m.ID, dt.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("detach %q from model %q: %w", dataType, model, err)
	}
	b.log.Info("data type detached", "model", model, "data_type", dataType)
	return nil
}

// HasDataType reports whether the data type is attached to the model.
// Unknown names report false.
func (b *Backend) HasDataType(ctx context.Context, model, dataType string) (bool, error) {
	unlock, err := b.rlock()
	if err != nil {
		return false, err
	}
	defer unlock()

	var attached bool
	err = b.db.QueryRowContext(ctx, `SELECT EXISTS (
    SELECT 1 FROM model_data_type a
    JOIN model m ON m.id = a.model_id
    JOIN data_type d ON d.id = a.data_type_id
    WHERE m.name = ? AND d.name = ?
)`, model, dataType).Scan(&attached)
	if err != nil {
		return false, fmt.Errorf("check attachment of %q to %q: %w", dataType, model, err)
	}
	return attached, nil
}

// ModelDataTypes lists the data types attached to a model ordered by name.
func (b *Backend) ModelDataTypes(ctx context.Context, model string) ([]types.DataType, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := requireModel(ctx, b.db, model)
	if err != nil {
		return nil, fmt.Errorf("list data types of %q: %w", model, err)
	}
	dts, err := attachedDataTypes(ctx, b.db, m.ID)
	if err != nil {
		return nil, fmt.Errorf("list data types of %q: %w", model, err)
	}
	return dts, nil
}

func validateMetadata(meta types.ModelMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if meta.NumTotalParameters > math.MaxInt64 {
		return fmt.Errorf("%w: parameter count %d too large", types.ErrInvalidMetadata, meta.NumTotalParameters)
	}
	return nil
}

func insertModel(ctx context.Context, tx *sql.Tx, meta types.ModelMetadata) (types.Model, error) {
	if _, ok, err := lookupModel(ctx, tx, meta.Name); err != nil {
		return types.Model{}, err
	} else if ok {
		return types.Model{}, types.ErrAlreadyExists
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO model (name, num_layers, neurons_per_layer,
activation_function, num_total_parameters, dataset) VALUES (?, ?, ?, ?, ?, ?)`,
		meta.Name, meta.NumLayers, meta.NeuronsPerLayer, meta.ActivationFunction,
		int64(meta.NumTotalParameters), meta.Dataset)
	if err != nil {
		return types.Model{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Model{}, err
	}
	return types.Model{ID: id, Metadata: meta}, nil
}

func lookupModel(ctx context.Context, q querier, name string) (types.Model, bool, error) {
	m, err := scanModel(q.QueryRowContext(ctx, selectModel+" WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Model{}, false, nil
	}
	if err != nil {
		return types.Model{}, false, err
	}
	return m, true, nil
}

// requireModel is lookupModel with absence reported as ErrNotFound.
func requireModel(ctx context.Context, q querier, name string) (types.Model, error) {
	m, ok, err := lookupModel(ctx, q, name)
	if err != nil {
		return types.Model{}, err
	}
	if !ok {
		return types.Model{}, fmt.Errorf("model %q: %w", name, types.ErrNotFound)
	}
	return m, nil
}

func requireModelAndDataType(ctx context.Context, q querier, model, dataType string) (types.Model, types.DataType, error) {
	m, err := requireModel(ctx, q, model)
	if err != nil {
		return types.Model{}, types.DataType{}, err
	}
	dt, ok, err := lookupDataType(ctx, q, dataType)
	if err != nil {
		return types.Model{}, types.DataType{}, err
	}
	if !ok {
		return types.Model{}, types.DataType{}, fmt.Errorf("data type %q: %w", dataType, types.ErrNotFound)
	}
	return m, dt, nil
}

func attach(ctx context.Context, tx *sql.Tx, modelID, dataTypeID int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO model_data_type (model_id, data_type_id) VALUES (?, ?)
ON CONFLICT (model_id, data_type_id) DO NOTHING`, modelID, dataTypeID)
	return err
}

func attachedDataTypes(ctx context.Context, q querier, modelID int64) ([]types.DataType, error) {
	rows, err := q.QueryContext(ctx, `SELECT d.id, d.name, d.kind FROM model_data_type a
JOIN data_type d ON d.id = a.data_type_id
WHERE a.model_id = ? ORDER BY d.name`, modelID)
	if err != nil {
		return nil, err
	}
	return scanDataTypes(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (types.Model, error) {
	var (
		m      types.Model
		params int64
	)
	err := row.Scan(&m.ID, &m.Metadata.Name, &m.Metadata.NumLayers, &m.Metadata.NeuronsPerLayer,
		&m.Metadata.ActivationFunction, &params, &m.Metadata.Dataset)
	if err != nil {
		return types.Model{}, err
	}
	m.Metadata.NumTotalParameters = uint64(params)
	return m, nil
}
