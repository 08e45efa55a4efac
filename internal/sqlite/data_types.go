package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// RegisterDataType persists a new data type with a fresh id.
func (b *Backend) RegisterDataType(ctx context.Context, name string, kind types.PayloadKind) (types.DataType, error) {
	if err := types.ValidateName(name); err != nil {
		return types.DataType{}, fmt.Errorf("register data type: %w", err)
	}
	if !kind.Valid() {
		return types.DataType{}, fmt.Errorf("register data type %q: %w: %q", name, types.ErrInvalidKind, kind)
	}

	unlock, err := b.lock()
	if err != nil {
		return types.DataType{}, err
	}
	defer unlock()

	var dt types.DataType
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		dt, err = insertDataType(ctx, tx, name, kind)
		return err
	})
	if err != nil {
		return types.DataType{}, fmt.Errorf("register data type %q: %w", name, err)
	}
	b.log.Info("data type registered", "data_type", name, "kind", kind, "id", dt.ID)
	return dt, nil
}

// LookupDataType returns false when no data type has the name.
func (b *Backend) LookupDataType(ctx context.Context, name string) (types.DataType, bool, error) {
	unlock, err := b.rlock()
	if err != nil {
		return types.DataType{}, false, err
	}
	defer unlock()

	dt, ok, err := lookupDataType(ctx, b.db, name)
	if err != nil {
		return types.DataType{}, false, fmt.Errorf("lookup data type %q: %w", name, err)
	}
	return dt, ok, nil
}

// DataTypes lists every data type ordered by name.
func (b *Backend) DataTypes(ctx context.Context) ([]types.DataType, error) {
	unlock, err := b.rlock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := b.db.QueryContext(ctx, "SELECT id, name, kind FROM data_type ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list data types: %w", err)
	}
	return scanDataTypes(rows)
}

// DeleteDataType removes the data type, its rows for every model and its
// attachments. Services that depend on it are left in place; under the
// restrict policy their existence blocks the delete.
func (b *Backend) DeleteDataType(ctx context.Context, name string) error {
	unlock, err := b.lock()
	if err != nil {
		return err
	}
	defer unlock()

	var dependents []string
	err = b.inTx(ctx, func(tx *sql.Tx) error {
		dt, ok, err := lookupDataType(ctx, tx, name)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrNotFound
		}

		dependents, err = dependentServices(ctx, tx, name)
		if err != nil {
			return err
		}
		if len(dependents) > 0 && b.config.DeletePolicy == types.DeleteRestrict {
			return fmt.Errorf("%w: required by %s", types.ErrInUse, strings.Join(dependents, ", "))
		}

		for _, stmt := range []string{
			"DELETE FROM neuron_data WHERE data_type_id = ?",
			"DELETE FROM layer_data WHERE data_type_id = ?",
			"DELETE FROM model_data WHERE data_type_id = ?",
			"DELETE FROM model_data_type WHERE data_type_id = ?",
			"DELETE FROM data_type WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, dt.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete data type %q: %w", name, err)
	}

	if len(dependents) > 0 {
		b.log.Warn("deleted data type still required by services", "data_type", name, "services", dependents)
	}
	b.log.Info("data type deleted", "data_type", name)
	return nil
}

func lookupDataType(ctx context.Context, q querier, name string) (types.DataType, bool, error) {
	var dt types.DataType
	err := q.QueryRowContext(ctx, "SELECT id, name, kind FROM data_type WHERE name = ?", name).
		Scan(&dt.ID, &dt.Name, &dt.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return types.DataType{}, false, nil
	}
	if err != nil {
		return types.DataType{}, false, err
	}
	return dt, true, nil
}

func insertDataType(ctx context.Context, tx *sql.Tx, name string, kind types.PayloadKind) (types.DataType, error) {
	if _, ok, err := lookupDataType(ctx, tx, name); err != nil {
		return types.DataType{}, err
	} else if ok {
		return types.DataType{}, types.ErrAlreadyExists
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO data_type (name, kind) VALUES (?, ?)", name, string(kind))
	if err != nil {
		return types.DataType{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.DataType{}, err
	}
	return types.DataType{ID: id, Name: name, Kind: kind}, nil
}

// dependentServices returns the names of services that list dataType as a
// dependency.
func dependentServices(ctx context.Context, q querier, dataType string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT s.name FROM service s
JOIN service_data_type sd ON sd.service_id = s.id
WHERE sd.data_type_name = ? ORDER BY s.name`, dataType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanDataTypes(rows *sql.Rows) ([]types.DataType, error) {
	defer rows.Close()

	var out []types.DataType
	for rows.Next() {
		var dt types.DataType
		if err := rows.Scan(&dt.ID, &dt.Name, &dt.Kind); err != nil {
			return nil, fmt.Errorf("scan data type: %w", err)
		}
		out = append(out, dt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate data types: %w", err)
	}
	return out, nil
}
